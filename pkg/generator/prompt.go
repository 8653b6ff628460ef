// SPDX-License-Identifier: Apache-2.0
package generator

import (
	"fmt"
	"strings"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/validator"
	"github.com/jllopis/forge/pkg/world"
)

const exampleCapability = `package capability

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	steps := args["steps"].(int)
	x := world["x"].(int)
	return map[string]any{"success": true, "x": x + steps, "y": world["y"].(int)}, nil
}`

// systemPrompt explains the calling convention and the denylist.
func systemPrompt(policy validator.Policy, allowed []string) string {
	var b strings.Builder
	b.WriteString("You write capabilities for an agent that lives on a 2D grid world.\n")
	b.WriteString("A capability is a single Go source file in package capability that declares:\n\n")
	fmt.Fprintf(&b, "    func %s(args map[string]any, world map[string]any) (map[string]any, error)\n\n", policy.EntryPoint)
	b.WriteString("args holds the declared parameters, already converted to int, float64, string or bool.\n")
	b.WriteString("world holds: x, y (int), position ([]int{x, y}), width, height (int) and cells ")
	b.WriteString("(list of map with x, y, value; missing cells are empty, \"wall\" blocks movement).\n")
	b.WriteString("Return keys: success (bool), message (string), x and y (new position), ")
	b.WriteString("cells (list of map with x, y, value to write). Other keys are reported back as data.\n")
	b.WriteString("Do not declare init or main.\n")
	if len(allowed) > 0 {
		fmt.Fprintf(&b, "Only these packages can be imported: %s.\n", strings.Join(allowed, ", "))
	}
	b.WriteString("The following are forbidden and will be rejected:\n")
	b.WriteString(policy.Describe())
	b.WriteString("\nExample:\n")
	b.WriteString(exampleCapability)
	b.WriteString("\n\nAnswer with a single JSON object and nothing else:\n")
	b.WriteString(`{"name": "snake_case_name", "code": "<go source>", "parameter_schema": {"param": "int|float|string|bool"}, `)
	b.WriteString(`"explanation": "<one paragraph>", "category": "movement|perception|interaction|other"}`)
	return b.String()
}

// userPrompt carries the request and, when known, the world the agent will run in.
func userPrompt(req capability.Request, spec *world.Spec, existing []capability.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a capability that does the following: %s\n", strings.TrimSpace(req.Description))
	if spec != nil {
		fmt.Fprintf(&b, "The world is %dx%d and the agent starts at %s.\n", spec.Width, spec.Height, spec.Start)
	}
	if len(existing) > 0 {
		names := make([]string, len(existing))
		for i, d := range existing {
			names[i] = d.Name
		}
		fmt.Fprintf(&b, "Names already taken: %s.\n", strings.Join(names, ", "))
	}
	return b.String()
}

// repairPrompt feeds validator reasons back for another attempt.
func repairPrompt(res validator.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The capability was rejected (%s):\n", res.Kind)
	for _, r := range res.Reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("Fix every problem and answer again with the full JSON object.")
	return b.String()
}
