package gen

import (
	"smallbiznis-billing/pkg/config"

	"github.com/bwmarrin/snowflake"
)

// NewNode returns the snowflake node for this process. NODE_ID must be unique
// per running replica.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
