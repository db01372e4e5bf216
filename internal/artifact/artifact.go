// Package artifact loads compiled contract artifacts and prepares their
// creation bytecode: library linking and constructor argument encoding.
package artifact

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Artifact represents a compiled Solidity contract with ABI and bytecode.
// Truffle, Hardhat and Foundry output formats are accepted.
type Artifact struct {
	ContractName     string          `json:"contractName"`
	SourcePath       string          `json:"sourcePath,omitempty"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
	Compiler         CompilerInfo    `json:"compiler,omitempty"`
	Metadata         Metadata        `json:"metadata,omitempty"`

	// File is where the artifact was loaded from.
	File string `json:"-"`
}

// UnmarshalJSON decodes an artifact. Hardhat keeps linkReferences next to a
// string bytecode rather than inside a bytecode object.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	type plain Artifact
	var raw struct {
		plain
		LinkReferences LinkReferences `json:"linkReferences"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Artifact(raw.plain)
	if a.Bytecode.linkReferences == nil {
		a.Bytecode.linkReferences = raw.LinkReferences
	}
	return nil
}

// CompilerInfo identifies the compiler that produced the artifact.
type CompilerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Bytecode contains creation bytecode and its unresolved library references.
// It handles both formats:
// - Simple string: "0x608060..."
// - Object with "object" field: {"object": "0x608060...", "linkReferences": {...}}
type Bytecode struct {
	hex            string
	linkReferences LinkReferences
}

// LinkReferences maps source path -> library name -> placeholder offsets.
type LinkReferences map[string]map[string][]LinkOffset

// LinkOffset is a byte range of a library address placeholder.
type LinkOffset struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	// Try as plain string first (Truffle/Hardhat output format)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	// Object form (solc standard JSON, Foundry)
	var obj struct {
		Object         string         `json:"object"`
		LinkReferences LinkReferences `json:"linkReferences"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		b.linkReferences = obj.LinkReferences
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the bytecode hex string.
func (b Bytecode) String() string {
	return b.hex
}

// IsEmpty reports whether there is no code (interfaces and abstract contracts).
func (b Bytecode) IsEmpty() bool {
	h := strings.TrimPrefix(b.hex, "0x")
	return h == ""
}

// Metadata is the solc metadata document. Truffle stores it as a JSON string,
// Foundry as an object.
type Metadata struct {
	Settings struct {
		Optimizer *OptimizerSettings `json:"optimizer"`
	} `json:"settings"`
	Compiler struct {
		Version string `json:"version"`
	} `json:"compiler"`
}

// OptimizerSettings are the solc optimizer settings an artifact was built with.
type OptimizerSettings struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// UnmarshalJSON accepts the metadata as a string-encoded or inline object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return nil
		}
		data = []byte(s)
	}

	type plain Metadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		// Unparseable metadata carries no settings to check.
		return nil
	}
	*m = Metadata(p)
	return nil
}

// ParseABI parses the artifact ABI.
func (a *Artifact) ParseABI() (abi.ABI, error) {
	if len(a.ABI) == 0 {
		return abi.ABI{}, nil
	}
	parsed, err := abi.JSON(strings.NewReader(string(a.ABI)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse ABI of %s: %w", a.ContractName, err)
	}
	return parsed, nil
}

// CompilerVersion returns the compiler version recorded in the artifact,
// preferring the top-level compiler block over the metadata.
func (a *Artifact) CompilerVersion() string {
	if a.Compiler.Version != "" {
		return a.Compiler.Version
	}
	return a.Metadata.Compiler.Version
}
