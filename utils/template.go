package utils

import (
	"regexp"
	"strings"

	"relaycrm/models"
)

var mergeTagPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderMerge replaces {{field}} merge tags with values from fields.
// Unknown tags render as an empty string so a missing field never
// leaks template syntax into an outgoing email.
func RenderMerge(template string, fields map[string]string) string {
	return mergeTagPattern.ReplaceAllStringFunc(template, func(tag string) string {
		name := mergeTagPattern.FindStringSubmatch(tag)[1]
		return fields[strings.ToLower(name)]
	})
}

// MergeFields builds the merge-tag map for a person and their
// organization (if preloaded).
func MergeFields(person *models.Person) map[string]string {
	fields := map[string]string{
		"email":      person.Email,
		"first_name": person.FirstName,
		"last_name":  person.LastName,
		"full_name":  strings.TrimSpace(person.FirstName + " " + person.LastName),
		"title":      person.Title,
		"phone":      person.Phone,
		"stage":      person.Stage,
	}

	if person.Organization != nil {
		fields["company"] = person.Organization.Name
		fields["company_domain"] = person.Organization.Domain
		fields["company_industry"] = person.Organization.Industry
		fields["company_website"] = person.Organization.Website
	}

	return fields
}
