// Copyright 2026 Conductor
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"
	"regexp"

	"conductor/platform/shared/logger"
)

// templateVarPattern matches ${{name}} placeholders, with optional
// whitespace inside the braces. Names may be dotted, e.g.
// ${{results.gpt-4o}}.
var templateVarPattern = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderTemplate substitutes ${{var}} placeholders in tmpl from vars.
// Rendering is fail-soft: an undefined variable renders as a visible
// placeholder and logs a warning instead of failing the render.
func RenderTemplate(tmpl string, vars map[string]string, log *logger.Logger) string {
	return templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		if log != nil {
			log.Warn("", "", "Template variable undefined, rendering placeholder",
				map[string]interface{}{"variable": name})
		}
		return fmt.Sprintf("<undefined:%s>", name)
	})
}

// TemplateVars lists the distinct variable names referenced by tmpl, in
// first-appearance order.
func TemplateVars(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, match := range templateVarPattern.FindAllStringSubmatch(tmpl, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}
