package config

import (
	"fmt"

	"github.com/deskflowhq/deskflow/actions"
	"github.com/deskflowhq/deskflow/graph"
	"github.com/deskflowhq/deskflow/tools"
)

// NodeSpecs materializes one case agent per configured category, with the
// category's action ids resolved through the catalogue and built from the
// registry. Unknown action ids fail here so a bad configuration never
// compiles into a live graph.
func NodeSpecs(cfg Config, channelTypeID string, registry *tools.Registry) ([]graph.NodeSpec, error) {
	channel, ok := cfg.ChannelByTypeID(channelTypeID)
	if channelTypeID != "" && !ok {
		return nil, fmt.Errorf("channel type %q not found in configuration", channelTypeID)
	}

	specs := make([]graph.NodeSpec, 0, len(cfg.CaseCategories))
	for _, category := range cfg.CaseCategories {
		names := make([]string, 0, len(category.Instructions.Actions))
		for _, ref := range category.Instructions.Actions {
			action, ok := actions.ByID(ref.ID)
			if !ok {
				return nil, fmt.Errorf("case category %q references unknown action id %q", category.Name, ref.ID)
			}
			names = append(names, action.Title)
		}
		toolset, err := registry.Build(names)
		if err != nil {
			return nil, fmt.Errorf("case category %q: %w", category.Name, err)
		}

		specs = append(specs, graph.NodeSpec{
			Name:        category.Name,
			Description: category.Description,
			Prompt:      CategoryPrompt(category, channel),
			Tools:       toolset,
			HumanInput:  true,
		})
	}
	return specs, nil
}
