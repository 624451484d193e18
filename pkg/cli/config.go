package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"vibegen/pkg/adapter"
	"vibegen/pkg/entitlement"
	"vibegen/pkg/repository"
)

// config holds configuration values
type config struct {
	// Server
	addr     string
	logLevel string

	// Repository
	project  string
	database string

	// Adapters
	geminiProject  string
	geminiLocation string
	geminiModel    string

	// Sandbox
	sandboxTemplate string

	// Entitlement
	policyDir string
	plansFile string

	// Optional collaborators
	bucket          string
	bigqueryDataset string
	bigqueryTable   string
}

// serverFlags returns flags for the HTTP server with destination config
func serverFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			Value:       ":8080",
			Sources:     cli.EnvVars("VIBEGEN_ADDR"),
			Destination: &cfg.addr,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("VIBEGEN_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model for the code agent",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
	}
}

// sandboxFlags returns flags for the sandbox runtime with destination config
func sandboxFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "sandbox-template",
			Usage:       "Sandbox template image",
			Value:       "vibegen-nextjs",
			Sources:     cli.EnvVars("SANDBOX_TEMPLATE"),
			Destination: &cfg.sandboxTemplate,
		},
	}
}

// entitlementFlags returns flags for quota policy with destination config
func entitlementFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies overriding the built-in entitlement policy",
			Sources:     cli.EnvVars("VIBEGEN_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "plans-file",
			Usage:       "YAML file mapping user IDs to subscription plans",
			Sources:     cli.EnvVars("VIBEGEN_PLANS_FILE"),
			Destination: &cfg.plansFile,
		},
	}
}

// optionalFlags returns flags for optional collaborators with destination config
func optionalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for fragment archives (disabled when empty)",
			Sources:     cli.EnvVars("VIBEGEN_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset for run audits (disabled when empty)",
			Sources:     cli.EnvVars("VIBEGEN_BQ_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table for run audits",
			Value:       "runs",
			Sources:     cli.EnvVars("VIBEGEN_BQ_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	repo, err := repository.New(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
}

// newSandbox creates the sandbox runtime and starts its reaper
func (cfg *config) newSandbox(ctx context.Context) (adapter.Sandbox, error) {
	sandbox, err := adapter.NewDockerSandbox()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create sandbox runtime")
	}
	sandbox.StartReaper(ctx)
	return sandbox, nil
}

// newEntitlement creates the entitlement engine
func (cfg *config) newEntitlement(ctx context.Context) (*entitlement.Engine, error) {
	var opts []entitlement.Option
	if cfg.plansFile != "" {
		plans, err := entitlement.LoadPlansFile(cfg.plansFile)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load plans file")
		}
		opts = append(opts, entitlement.WithPlans(plans))
	}

	engine, err := entitlement.New(ctx, cfg.policyDir, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create entitlement engine")
	}
	return engine, nil
}

// newStorage creates a new Storage adapter instance, nil when no bucket is set
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newAudit creates a new AuditSink instance, nil when no dataset is set
func (cfg *config) newAudit(ctx context.Context) (adapter.AuditSink, error) {
	if cfg.bigqueryDataset == "" {
		return nil, nil
	}
	if cfg.project == "" {
		return nil, goerr.New("project is required for BigQuery audit")
	}

	audit, err := adapter.NewBigQueryAudit(ctx, cfg.project, cfg.bigqueryDataset, cfg.bigqueryTable)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create audit sink")
	}
	return audit, nil
}
