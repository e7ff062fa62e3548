package container

import (
	"github.com/lyzr/analyzer/cmd/analyzer-api/service"
	"github.com/lyzr/analyzer/common/bootstrap"
	"github.com/lyzr/analyzer/common/validation"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Services
	DispatchService *service.DispatchService
	HealthService   *service.HealthService
	JobService      *service.JobService
}

// NewContainer initializes all services once
func NewContainer(components *bootstrap.Components) *Container {
	cfg := components.Config

	validator := validation.NewRequestValidator(cfg.Analyzer.RequiredArtifactTypes, cfg.Analyzer.AllowPrivateHosts)
	components.Logger.Info("request validation configured",
		"required_artifact_types", validator.RequiredTypes(),
		"allow_private_hosts", cfg.Analyzer.AllowPrivateHosts)

	return &Container{
		Components: components,
		DispatchService: service.NewDispatchService(
			components.Queue,
			validator,
			cfg.Timeouts.Enqueue,
			components.Logger,
		),
		HealthService: service.NewHealthService(
			components.Queue,
			cfg.Analyzer.Name,
			cfg.Analyzer.Version,
			cfg.Timeouts.Health,
			components.Logger,
		),
		JobService: service.NewJobService(components.Store),
	}
}
