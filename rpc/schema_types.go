package rpc

import (
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
)

var (
	addressType = reflect.TypeOf(common.Address{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

// mapWireType describes types whose JSON form differs from their Go layout.
func mapWireType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case addressType:
		return &jsonschema.Schema{
			Type:    "string",
			Pattern: "^0x[0-9a-fA-F]{40}$",
		}
	case decimalType:
		return &jsonschema.Schema{
			Type:    "string",
			Pattern: `^-?[0-9]+(\.[0-9]+)?$`,
		}
	}
	return nil
}
