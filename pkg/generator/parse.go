// SPDX-License-Identifier: Apache-2.0
package generator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
)

// proposal is the structured answer expected from the model.
type proposal struct {
	Name        string                     `json:"name"`
	Code        string                     `json:"code"`
	Parameters  capability.ParameterSchema `json:"parameter_schema"`
	Explanation string                     `json:"explanation"`
	Category    string                     `json:"category"`
}

var (
	fencePattern   = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
	packagePattern = regexp.MustCompile(`(?m)^\s*package\s+\w+`)
)

// parseProposal decodes model output, tolerating markdown fences and prose
// around the JSON object.
func parseProposal(content string) (proposal, error) {
	text := strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(text); m != nil && !strings.HasPrefix(text, "{") {
		text = strings.TrimSpace(m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var p proposal
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return proposal{}, errors.New(errors.CodeGeneration, "model output is not a capability object", err)
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Code = normalizeCode(p.Code)

	switch {
	case p.Name == "":
		return proposal{}, errors.New(errors.CodeGeneration, "model output has no name", nil)
	case p.Code == "":
		return proposal{}, errors.New(errors.CodeGeneration, "model output has no code", nil)
	}
	if err := capability.ValidateName(p.Name); err != nil {
		return proposal{}, errors.New(errors.CodeGeneration, "model proposed an invalid name", err)
	}
	if p.Parameters == nil {
		p.Parameters = capability.ParameterSchema{}
	}
	if err := p.Parameters.Validate(); err != nil {
		return proposal{}, errors.New(errors.CodeGeneration, "model proposed an invalid parameter schema", err)
	}
	return p, nil
}

// normalizeCode strips fences inside the code field and adds a package
// clause when the model left it out.
func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if m := fencePattern.FindStringSubmatch(code); m != nil {
		code = strings.TrimSpace(m[1])
	}
	if code == "" {
		return ""
	}
	if !packagePattern.MatchString(code) {
		code = "package capability\n\n" + code
	}
	return code + "\n"
}
