package roles

import "github.com/mafkit/maf/artifact"

// catalog is the fixed role contract: subtype keyword tables, prompts,
// and placement strategies. Keywords are matched case-insensitively; the
// last subtype of each role is the default when nothing matches.
var catalog = map[string][]Subtype{
	"frontend": {
		{
			Name:     "component",
			Keywords: []string{"component", "widget", "button", "form", "modal"},
			Prompt: "Write a production-quality UI component for this task. " +
				"Output only the source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "frontend/components",
				NamingHints: map[string]string{"extension": "tsx"},
			},
		},
		{
			Name:     "page",
			Keywords: []string{"page", "screen", "view", "route"},
			Prompt: "Write a complete page implementation for this task. " +
				"Output only the source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "frontend/pages",
				NamingHints: map[string]string{"extension": "tsx"},
			},
		},
		{
			Name:     "ui",
			Keywords: nil,
			Prompt: "Implement the described user interface work. " +
				"Output only the source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "frontend",
				NamingHints: map[string]string{"extension": "tsx"},
			},
		},
	},
	"backend": {
		{
			Name:     "api_route",
			Keywords: []string{"endpoint", "route", "api", "rest", "handler"},
			Prompt: "Write an API handler implementing this task, including " +
				"request validation and error responses. Output only the " +
				"source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "backend/api",
				NamingHints: map[string]string{"extension": "go"},
			},
		},
		{
			Name:     "service",
			Keywords: []string{"service", "worker", "job", "queue", "scheduler"},
			Prompt: "Write a service layer implementation for this task. " +
				"Output only the source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "backend/service",
				NamingHints: map[string]string{"extension": "go"},
			},
		},
		{
			Name:     "logic",
			Keywords: nil,
			Prompt: "Implement the described server-side work. Output only " +
				"the source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "backend",
				NamingHints: map[string]string{"extension": "go"},
			},
		},
	},
	"database": {
		{
			Name:     "schema",
			Keywords: []string{"schema", "table", "migration", "column", "model"},
			Prompt: "Write the SQL migration for this task, with both up and " +
				"down sections. Output only SQL.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "db/migrations",
				NamingHints: map[string]string{"extension": "sql"},
			},
		},
		{
			Name:     "query",
			Keywords: []string{"query", "index", "view", "report"},
			Prompt: "Write the SQL for this task, optimized and commented. " +
				"Output only SQL.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "db/queries",
				NamingHints: map[string]string{"extension": "sql"},
			},
		},
		{
			Name:     "data",
			Keywords: nil,
			Prompt: "Implement the described database work. Output only " +
				"SQL.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "db",
				NamingHints: map[string]string{"extension": "sql"},
			},
		},
	},
	"devops": {
		{
			Name:     "pipeline",
			Keywords: []string{"pipeline", "ci", "cd", "deploy", "release"},
			Prompt: "Write the CI/CD pipeline configuration for this task. " +
				"Output only YAML.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "ops/pipelines",
				NamingHints: map[string]string{"extension": "yaml"},
			},
		},
		{
			Name:     "infra",
			Keywords: []string{"docker", "container", "kubernetes", "terraform", "helm"},
			Prompt: "Write the infrastructure configuration for this task. " +
				"Output only the configuration file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "ops/infra",
				NamingHints: map[string]string{"extension": "yaml"},
			},
		},
		{
			Name:     "ops",
			Keywords: nil,
			Prompt: "Implement the described operations work. Output only " +
				"the configuration or script file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "ops",
				NamingHints: map[string]string{"extension": "sh"},
			},
		},
	},
	"qa": {
		{
			Name:     "e2e",
			Keywords: []string{"e2e", "end-to-end", "integration", "acceptance"},
			Prompt: "Write end-to-end test coverage for this task. Output " +
				"only the test file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "tests/e2e",
				NamingHints: map[string]string{"extension": "spec.ts"},
			},
		},
		{
			Name:     "unit_tests",
			Keywords: []string{"unit", "test", "coverage", "regression"},
			Prompt: "Write unit tests for this task, covering edge cases. " +
				"Output only the test file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "tests/unit",
				NamingHints: map[string]string{"extension": "test.ts"},
			},
		},
		{
			Name:     "test_plan",
			Keywords: nil,
			Prompt: "Write a test plan for this task: scenarios, edge cases, " +
				"acceptance criteria. Output only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "tests",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
	},
	"docs": {
		{
			Name:     "api_docs",
			Keywords: []string{"api", "reference", "openapi", "swagger"},
			Prompt: "Write API reference documentation for this task. Output " +
				"only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "docs/api",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
		{
			Name:     "guide",
			Keywords: []string{"guide", "tutorial", "readme", "howto", "getting started"},
			Prompt: "Write a user guide for this task, with examples. Output " +
				"only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "docs/guides",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
		{
			Name:     "doc",
			Keywords: nil,
			Prompt: "Write documentation for this task. Output only " +
				"markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "docs",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
	},
	"security": {
		{
			Name:     "audit",
			Keywords: []string{"audit", "vulnerability", "pentest", "cve", "scan"},
			Prompt: "Write a security audit report for this task: findings, " +
				"severity, remediation. Output only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "security/audits",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
		{
			Name:     "hardening",
			Keywords: []string{"auth", "permission", "encrypt", "harden", "token"},
			Prompt: "Implement the described security hardening. Output only " +
				"the source file.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "security",
				NamingHints: map[string]string{"extension": "go"},
			},
		},
		{
			Name:     "security_review",
			Keywords: nil,
			Prompt: "Write a security review for this task. Output only " +
				"markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "security",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
	},
	"uxui": {
		{
			Name:     "wireframe",
			Keywords: []string{"wireframe", "mockup", "layout", "prototype"},
			Prompt: "Describe the wireframe for this task: structure, flows, " +
				"annotations. Output only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "design/wireframes",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
		{
			Name:     "styleguide",
			Keywords: []string{"style", "color", "typography", "brand", "theme"},
			Prompt: "Write the style guide entries for this task. Output " +
				"only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "design/styleguide",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
		{
			Name:     "design",
			Keywords: nil,
			Prompt: "Write the design specification for this task. Output " +
				"only markdown.\n\nTask: %s",
			Strategy: artifact.Strategy{
				Mode:        artifact.ModeCreate,
				TargetDir:   "design",
				NamingHints: map[string]string{"extension": "md"},
			},
		},
	},
}
