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

package bulk

import (
	"net/url"
	"strings"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/samply/bulkectl/fhir"
)

// NDJSONFormat is the default output format of a bulk data export.
const NDJSONFormat = "application/fhir+ndjson"

type levelKind int

const (
	levelSystem levelKind = iota
	levelPatient
	levelGroup
)

// Level selects the scope of an export: the whole system, all patients or
// one patient group. The FHIR specification knows exactly these three, so
// Level is a closed value type instead of an open interface.
type Level struct {
	kind    levelKind
	groupID string
}

// SystemLevel exports every resource of the server.
func SystemLevel() Level {
	return Level{kind: levelSystem}
}

// PatientLevel exports all resources of all patient compartments.
func PatientLevel() Level {
	return Level{kind: levelPatient}
}

// GroupLevel exports the resources of the patient compartments of one group.
func GroupLevel(id string) Level {
	return Level{kind: levelGroup, groupID: id}
}

// GroupID returns the group id of a group level export.
func (l Level) GroupID() string {
	return l.groupID
}

// PathElements returns the path of the kick-off endpoint relative to the
// FHIR base URL.
func (l Level) PathElements() []string {
	switch l.kind {
	case levelPatient:
		return []string{"Patient", "$export"}
	case levelGroup:
		return []string{"Group", l.groupID, "$export"}
	default:
		return []string{"$export"}
	}
}

// PatientSupported reports whether the level admits an explicit patient
// list. A system export covers everything, so naming patients there is a
// contradiction.
func (l Level) PatientSupported() bool {
	return l.kind != levelSystem
}

func (l Level) String() string {
	switch l.kind {
	case levelPatient:
		return "patient"
	case levelGroup:
		return "group " + l.groupID
	default:
		return "system"
	}
}

// AssociatedData is a code of the includeAssociatedData kick-off parameter.
// The FHIR specification defines a closed set; servers may define further
// codes prefixed with an underscore.
type AssociatedData string

const (
	// LatestProvenanceResources requests the most recent Provenance per
	// exported resource.
	LatestProvenanceResources AssociatedData = "LatestProvenanceResources"
	// RelevantProvenanceResources requests all relevant Provenance for the
	// exported resources.
	RelevantProvenanceResources AssociatedData = "RelevantProvenanceResources"
)

// CustomAssociatedData wraps a server-defined associated data code.
func CustomAssociatedData(code string) AssociatedData {
	return AssociatedData(code)
}

// Request describes one bulk data export.
type Request struct {
	// Level scopes the export. Defaults to the system level.
	Level Level

	// OutputFormat is the requested format of the result files. Empty means
	// NDJSONFormat.
	OutputFormat string

	// Since limits the export to resources changed at or after this
	// instant.
	Since time.Time

	// Types limits the export to the named resource types.
	Types []string

	// Elements limits the elements included per resource.
	Elements []string

	// TypeFilters are FHIR search queries further restricting Types.
	TypeFilters []string

	// IncludeAssociatedData requests ancillary resources.
	IncludeAssociatedData []AssociatedData

	// Patients restricts a patient or group level export to the referenced
	// patients. A non-empty list switches the kick-off to POST.
	Patients []fm.Reference
}

// UsesPost reports whether the kick-off has to use POST with a Parameters
// body instead of GET with query parameters.
func (r Request) UsesPost() bool {
	return len(r.Patients) > 0
}

// QueryParams renders the request as kick-off query parameters for the GET
// form. Empty fields are omitted entirely.
func (r Request) QueryParams() url.Values {
	query := url.Values{}
	if r.OutputFormat != "" {
		query.Set("_outputFormat", r.OutputFormat)
	}
	if !r.Since.IsZero() {
		query.Set("_since", fhir.FormatInstant(r.Since))
	}
	if len(r.Types) > 0 {
		query.Set("_type", strings.Join(r.Types, ","))
	}
	if len(r.Elements) > 0 {
		query.Set("_elements", strings.Join(r.Elements, ","))
	}
	if len(r.TypeFilters) > 0 {
		query.Set("_typeFilter", strings.Join(r.TypeFilters, ","))
	}
	if len(r.IncludeAssociatedData) > 0 {
		query.Set("includeAssociatedData", joinAssociatedData(r.IncludeAssociatedData))
	}
	return query
}

// Parameters renders the request as the FHIR Parameters resource of the
// POST form. The parameter order is fixed: _outputFormat, _since, _type,
// _elements, _typeFilter, includeAssociatedData and one patient entry per
// reference.
func (r Request) Parameters() fm.Parameters {
	var parameters []fm.ParametersParameter
	if r.OutputFormat != "" {
		parameters = append(parameters, stringParameter("_outputFormat", r.OutputFormat))
	}
	if !r.Since.IsZero() {
		instant := fhir.FormatInstant(r.Since)
		parameters = append(parameters, fm.ParametersParameter{Name: "_since", ValueInstant: &instant})
	}
	if len(r.Types) > 0 {
		parameters = append(parameters, stringParameter("_type", strings.Join(r.Types, ",")))
	}
	if len(r.Elements) > 0 {
		parameters = append(parameters, stringParameter("_elements", strings.Join(r.Elements, ",")))
	}
	if len(r.TypeFilters) > 0 {
		parameters = append(parameters, stringParameter("_typeFilter", strings.Join(r.TypeFilters, ",")))
	}
	if len(r.IncludeAssociatedData) > 0 {
		parameters = append(parameters, stringParameter("includeAssociatedData", joinAssociatedData(r.IncludeAssociatedData)))
	}
	for i := range r.Patients {
		parameters = append(parameters, fm.ParametersParameter{Name: "patient", ValueReference: &r.Patients[i]})
	}
	return fm.Parameters{Parameter: parameters}
}

func stringParameter(name, value string) fm.ParametersParameter {
	return fm.ParametersParameter{Name: name, ValueString: &value}
}

func joinAssociatedData(values []AssociatedData) string {
	codes := make([]string, 0, len(values))
	for _, value := range values {
		codes = append(codes, string(value))
	}
	return strings.Join(codes, ",")
}

// PatientReferences builds patient references from plain reference strings
// like "Patient/0001".
func PatientReferences(references []string) []fm.Reference {
	result := make([]fm.Reference, 0, len(references))
	for _, reference := range references {
		reference := reference
		result = append(result, fm.Reference{Reference: &reference})
	}
	return result
}
