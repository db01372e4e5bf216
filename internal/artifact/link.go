package artifact

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// placeholderLen is the hex width of an address placeholder (20 bytes).
const placeholderLen = 40

// legacyPlaceholder returns the pre-0.5 placeholder for a library name:
// the name truncated to 36 characters, framed and padded with underscores.
func legacyPlaceholder(name string) string {
	if len(name) > placeholderLen-4 {
		name = name[:placeholderLen-4]
	}
	p := "__" + name
	return p + strings.Repeat("_", placeholderLen-len(p))
}

// hashedPlaceholder returns the solc >=0.5 placeholder for a fully
// qualified library name ("contracts/ConvertLib.sol:ConvertLib").
func hashedPlaceholder(qualified string) string {
	h := hex.EncodeToString(crypto.Keccak256([]byte(qualified)))
	return "__$" + h[:34] + "$__"
}

// LinkBytecode substitutes library addresses into the creation bytecode.
// Libraries are keyed by contract name. It fails if any placeholder is left
// unresolved.
func (a *Artifact) LinkBytecode(libraries map[string]common.Address) ([]byte, error) {
	code := strings.TrimPrefix(a.Bytecode.hex, "0x")

	for name, addr := range libraries {
		addrHex := strings.ToLower(strings.TrimPrefix(addr.Hex(), "0x"))

		code = strings.ReplaceAll(code, legacyPlaceholder(name), addrHex)

		for path, libs := range a.Bytecode.linkReferences {
			offsets, ok := libs[name]
			if !ok {
				continue
			}
			qualified := path + ":" + name
			code = strings.ReplaceAll(code, hashedPlaceholder(qualified), addrHex)
			code = strings.ReplaceAll(code, legacyPlaceholder(qualified), addrHex)

			for _, off := range offsets {
				start, end := off.Start*2, off.Start*2+off.Length*2
				if off.Length != common.AddressLength || end > len(code) {
					return nil, fmt.Errorf("link reference for %s at byte %d is out of range", name, off.Start)
				}
				code = code[:start] + addrHex + code[end:]
			}
		}
	}

	if unresolved := unresolvedPlaceholders(code); len(unresolved) > 0 {
		return nil, fmt.Errorf("unlinked libraries in %s: %s", a.ContractName, strings.Join(unresolved, ", "))
	}

	out, err := hex.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode of %s: %w", a.ContractName, err)
	}
	return out, nil
}

// UnlinkedLibraries returns the library names the creation bytecode still
// needs, as far as they can be recovered from placeholders and link references.
func (a *Artifact) UnlinkedLibraries() []string {
	seen := make(map[string]bool)
	for _, libs := range a.Bytecode.linkReferences {
		for name := range libs {
			seen[name] = true
		}
	}
	for _, p := range unresolvedPlaceholders(strings.TrimPrefix(a.Bytecode.hex, "0x")) {
		if !strings.HasPrefix(p, "$") {
			seen[p] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unresolvedPlaceholders returns the distinct placeholder labels left in code.
// Hex never contains underscores, so every "__" starts a 40 character
// placeholder: legacy "__Name____" reported by name, or hashed "__$<hash>$__"
// reported as "$<hash>".
func unresolvedPlaceholders(code string) []string {
	seen := make(map[string]bool)
	var labels []string
	for {
		i := strings.Index(code, "__")
		if i < 0 {
			break
		}
		end := min(i+placeholderLen, len(code))
		label := strings.Trim(code[i:end], "_")
		if strings.HasPrefix(label, "$") {
			label = strings.TrimSuffix(label, "$")
		} else if j := strings.LastIndex(label, ":"); j >= 0 {
			label = label[j+1:]
		}
		if label != "" && !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
		code = code[end:]
	}
	sort.Strings(labels)
	return labels
}
