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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{
		"topic":       "go generics",
		"results.a":   "alpha",
		"with-hyphen": "ok",
	}

	cases := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain substitution", "Research ${{topic}} deeply", "Research go generics deeply"},
		{"whitespace inside braces", "Research ${{ topic }} deeply", "Research go generics deeply"},
		{"dotted name", "Combine ${{results.a}}", "Combine alpha"},
		{"hyphenated name", "${{with-hyphen}}", "ok"},
		{"repeated variable", "${{topic}} and ${{topic}}", "go generics and go generics"},
		{"no variables", "static text", "static text"},
		{"undefined renders placeholder", "hello ${{missing}}", "hello <undefined:missing>"},
		{"malformed braces untouched", "hello ${topic}", "hello ${topic}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RenderTemplate(tc.tmpl, vars, nil))
		})
	}
}

func TestTemplateVars(t *testing.T) {
	names := TemplateVars("${{b}} then ${{a}} then ${{b}} and ${{results.x}}")
	assert.Equal(t, []string{"b", "a", "results.x"}, names)

	assert.Empty(t, TemplateVars("no placeholders here"))
}
