package artifact

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeployData returns linked creation bytecode followed by the ABI-encoded
// constructor arguments.
func (a *Artifact) DeployData(libraries map[string]common.Address, args []any) ([]byte, error) {
	if a.Bytecode.IsEmpty() {
		return nil, fmt.Errorf("%s has no creation bytecode (interface or abstract contract?)", a.ContractName)
	}

	code, err := a.LinkBytecode(libraries)
	if err != nil {
		return nil, err
	}

	packed, err := a.EncodeConstructor(args)
	if err != nil {
		return nil, err
	}
	return append(code, packed...), nil
}

// EncodeConstructor ABI-encodes args against the constructor inputs.
// The argument count must match exactly.
func (a *Artifact) EncodeConstructor(args []any) ([]byte, error) {
	parsed, err := a.ParseABI()
	if err != nil {
		return nil, err
	}

	inputs := parsed.Constructor.Inputs
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("%s constructor takes %d arguments, got %d", a.ContractName, len(inputs), len(args))
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	values := make([]any, len(args))
	for i, in := range inputs {
		v, err := ConvertArg(in.Type, args[i])
		if err != nil {
			return nil, fmt.Errorf("%s constructor argument %d (%s): %w", a.ContractName, i, in.Name, err)
		}
		values[i] = v
	}

	packed, err := parsed.Pack("", values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s constructor arguments: %w", a.ContractName, err)
	}
	return packed, nil
}

// ConvertArg converts a plan value (as decoded from YAML) to the Go type the
// ABI encoder expects for t. Integers may be given as numbers or decimal/hex
// strings; bytes and addresses as 0x-prefixed hex.
func ConvertArg(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("expected address, got %v", v)
		}
		return common.HexToAddress(s), nil

	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %v", v)
		}
		return b, nil

	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %v", v)
		}
		return s, nil

	case abi.IntTy, abi.UintTy:
		return convertInt(t, v)

	case abi.BytesTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex bytes, got %v", v)
		}
		return hexutil.Decode(s)

	case abi.FixedBytesTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex bytes%d, got %v", t.Size, v)
		}
		raw, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(raw) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(raw))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(raw))
		return arr.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected list, got %v", v)
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("expected %d elements, got %d", t.Size, len(items))
		}
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			out = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			ev, err := ConvertArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(ev))
		}
		return out.Interface(), nil

	default:
		return nil, fmt.Errorf("unsupported constructor argument type %s", t.String())
	}
}

func convertInt(t abi.Type, v any) (any, error) {
	n, err := toBigInt(v)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s out of range for uint%d", n, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s out of range for int%d", n, t.Size)
		}
	}

	// Sizes above 64 bits are encoded from *big.Int directly.
	if t.Size > 64 {
		return n, nil
	}
	if t.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(t.GetType()).Interface(), nil
	}
	return reflect.ValueOf(n.Int64()).Convert(t.GetType()).Interface(), nil
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("expected integer, got %v", n)
		}
		return big.NewInt(int64(n)), nil
	case *big.Int:
		return new(big.Int).Set(n), nil
	case string:
		s := strings.TrimSpace(n)
		out, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %q", n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}
