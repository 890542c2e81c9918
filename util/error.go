// Copyright 2025 The Samply Community
//
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

package util

import (
	"fmt"
	"strings"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// FmtOperationOutcome renders an OperationOutcome as a short single-line
// digest suitable for inclusion in error messages. Issues are rendered as
// `severity/code: details` and joined by `; `.
func FmtOperationOutcome(outcome *fm.OperationOutcome) string {
	if outcome == nil || len(outcome.Issue) == 0 {
		return ""
	}

	issues := make([]string, 0, len(outcome.Issue))
	for _, issue := range outcome.Issue {
		builder := strings.Builder{}
		builder.WriteString(issue.Severity.Code())
		builder.WriteString("/")
		builder.WriteString(issue.Code.Code())
		if text := issueText(issue); text != "" {
			builder.WriteString(": ")
			builder.WriteString(text)
		}
		issues = append(issues, builder.String())
	}
	return strings.Join(issues, "; ")
}

// issueText extracts the most specific human-readable text of an issue.
func issueText(issue fm.OperationOutcomeIssue) string {
	if diagnostics := issue.Diagnostics; diagnostics != nil {
		return *diagnostics
	}
	if details := issue.Details; details != nil {
		if text := details.Text; text != nil {
			return *text
		}
		if codings := details.Coding; len(codings) > 0 {
			if code := codings[0].Code; code != nil {
				return *code
			}
		}
	}
	return ""
}

// Indent takes a source string and indents every line with as many
// whitespace characters as indentation steps are specified.
func Indent(indentationSteps int, source string) string {
	indentation := strings.Repeat(" ", indentationSteps)
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		if len(line) > 0 {
			lines[i] = fmt.Sprintf("%s%s", indentation, line)
		}
	}
	return strings.Join(lines, "\n")
}
