package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole is returned when role text does not name one of the supported roles.
var ErrUnknownRole = errors.New("unknown role")

// Role is the persona of the person asking; it selects the prompt template.
type Role string

const (
	RoleFunctional     Role = "functional"
	RoleTechnical      Role = "technical"
	RoleAdministrator  Role = "administrator"
	RoleKeyUser        Role = "key_user"
	RoleEndUser        Role = "end_user"
	RoleProjectManager Role = "project_manager"
	RoleTester         Role = "tester"
)

// Roles lists every supported role in declaration order.
var Roles = []Role{
	RoleFunctional,
	RoleTechnical,
	RoleAdministrator,
	RoleKeyUser,
	RoleEndUser,
	RoleProjectManager,
	RoleTester,
}

// ParseRole maps caller supplied text onto a Role, ignoring letter case.
// Anything else, including surrounding whitespace, is rejected.
func ParseRole(s string) (Role, error) {
	upper := strings.ToUpper(s)
	for _, r := range Roles {
		if strings.ToUpper(string(r)) == upper {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// Template is the role-specific part of a prompt.
type Template struct {
	SystemPrompt string
	Sections     []string
}

// Catalog is a read-only role → template table.
type Catalog struct {
	templates map[Role]Template
}

// NewCatalog builds a catalog from the given table. Every role must be present.
func NewCatalog(table map[Role]Template) (*Catalog, error) {
	templates := make(map[Role]Template, len(table))
	for _, r := range Roles {
		tpl, ok := table[r]
		if !ok {
			return nil, fmt.Errorf("missing template for role %s", r)
		}
		if strings.TrimSpace(tpl.SystemPrompt) == "" || len(tpl.Sections) == 0 {
			return nil, fmt.Errorf("incomplete template for role %s", r)
		}
		templates[r] = Template{
			SystemPrompt: tpl.SystemPrompt,
			Sections:     append([]string(nil), tpl.Sections...),
		}
	}
	return &Catalog{templates: templates}, nil
}

// TemplateFor returns a copy of the template for role.
func (c *Catalog) TemplateFor(role Role) (Template, error) {
	tpl, ok := c.templates[role]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownRole, string(role))
	}
	return Template{
		SystemPrompt: tpl.SystemPrompt,
		Sections:     append([]string(nil), tpl.Sections...),
	}, nil
}

// DefaultCatalog returns the built-in IFS ERP assistant templates.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultTemplates)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultTemplates = map[Role]Template{
	RoleTechnical: {
		SystemPrompt: "You are an IFS ERP technical expert. Provide detailed technical responses including code examples where appropriate. " +
			"Focus on implementation details, API usage, and technical best practices.",
		Sections: []string{"Technical Overview", "Implementation Details", "Code Examples", "Best Practices", "Considerations"},
	},
	RoleFunctional: {
		SystemPrompt: "You are an IFS ERP functional consultant. Explain concepts in business terms, focusing on processes and business impact. " +
			"Avoid technical jargon unless necessary.",
		Sections: []string{"Business Context", "Process Overview", "Impact Analysis", "Recommendations"},
	},
	RoleAdministrator: {
		SystemPrompt: "You are an IFS ERP system administrator. Focus on system configuration, security, performance tuning, and maintenance procedures. " +
			"Provide step-by-step instructions.",
		Sections: []string{"Administrative Overview", "Configuration Steps", "Security Considerations", "Maintenance Tasks", "Troubleshooting"},
	},
	RoleKeyUser: {
		SystemPrompt: "You are an IFS ERP key user expert. Provide practical guidance on daily operations, best practices, and common workflows. " +
			"Include tips for training end users.",
		Sections: []string{"Process Summary", "Step-by-Step Guide", "Best Practices", "Common Issues", "Training Tips"},
	},
	RoleEndUser: {
		SystemPrompt: "You are an IFS ERP End User specialist. Provide simple, clear instructions using everyday language. " +
			"Focus on practical, task-oriented guidance.",
		Sections: []string{"Simple Overview", "Quick Steps", "Tips and Tricks", "Common Questions"},
	},
	RoleProjectManager: {
		SystemPrompt: "You are an IFS ERP project management expert. Focus on implementation strategies, timelines, resource planning, and risk management.",
		Sections:     []string{"Project Overview", "Implementation Strategy", "Resource Requirements", "Risk Analysis", "Timeline Considerations"},
	},
	RoleTester: {
		SystemPrompt: "You are an IFS ERP testing specialist. Provide guidance on test planning, test cases, and quality assurance procedures.",
		Sections:     []string{"Testing Approach", "Test Scenarios", "Validation Steps", "Quality Checks", "Common Issues"},
	},
}
