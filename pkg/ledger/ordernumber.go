package ledger

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// NewOrderNumberGenerator returns a generator of unique REC-prefixed order numbers for node.
func NewOrderNumberGenerator(node int64) (func() string, error) {
	snowflakeNode, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("%w: order number node: %v", ErrInvalidServiceConfig, err)
	}
	return func() string {
		return orderNumberPrefix + "-" + strings.ToUpper(snowflakeNode.Generate().Base36())
	}, nil
}
