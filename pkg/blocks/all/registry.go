// Package all registers every builtin block in one call, mirroring how
// hosting processes assemble their registries.
package all

import (
	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/blocks/expression"
	"github.com/wehubfusion/Daedalus/pkg/blocks/labelformat"
)

// Register installs the builtin blocks into the registry.
func Register(reg *blocks.Registry) {
	reg.Register(expression.TypeTag, expression.New)
	reg.Register(labelformat.TypeTag, labelformat.New)
}
