package catalog

import (
	"context"
	"fmt"

	"github.com/MrWong99/aura/internal/tool"
	"github.com/MrWong99/aura/pkg/provider/live"
)

// LookupToolName is the name the model calls the catalog by.
const LookupToolName = "productLookup"

// LookupDeclaration is the productLookup declaration advertised to the model.
func LookupDeclaration() live.ToolDeclaration {
	return live.ToolDeclaration{
		Name:        LookupToolName,
		Description: "Get detailed information about a specific product from the knowledge base, such as price, features, and stock status.",
		Parameters: map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"productName": map[string]any{
					"type":        "STRING",
					"description": `The name of the product to look up. For example, "NovaBook Pro" or "StellarPhone Zen".`,
				},
			},
			"required": []string{"productName"},
		},
	}
}

// LookupCapability exposes c as the productLookup tool. The handler returns
// the matching [Product]; a miss or a bad productName argument is returned as
// an error and reported to the model as such.
func LookupCapability(c Catalog) tool.Capability {
	return tool.Capability{
		Declaration: LookupDeclaration(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			name, err := tool.StringArg(args, "productName")
			if err != nil {
				return nil, err
			}
			return c.Lookup(ctx, name)
		},
		Notice: func(args map[string]any) string {
			name, _ := args["productName"].(string)
			return fmt.Sprintf("Searching for \"%s\"...", name)
		},
	}
}
