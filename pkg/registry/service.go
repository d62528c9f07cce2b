package registry

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ServiceManager owns one registration for the lifetime of the process.
type ServiceManager struct {
	registry      *ConsulRegistry
	serviceConfig *ServiceConfig
	log           zerolog.Logger
}

func NewServiceManager(consulConfig *ConsulConfig, serviceConfig *ServiceConfig, log zerolog.Logger) (*ServiceManager, error) {
	log = log.With().Str("component", "registry").Logger()
	consulRegistry, err := NewConsulRegistry(consulConfig, log)
	if err != nil {
		return nil, err
	}
	return &ServiceManager{
		registry:      consulRegistry,
		serviceConfig: serviceConfig,
		log:           log,
	}, nil
}

// 启动服务
func (sm *ServiceManager) Start() error {
	if err := sm.registry.RegisterService(sm.serviceConfig); err != nil {
		return fmt.Errorf("register %s: %w", sm.serviceConfig.Name, err)
	}
	return nil
}

// 停止服务
func (sm *ServiceManager) Stop() {
	if err := sm.registry.DeregisterService(sm.serviceConfig.ID); err != nil {
		sm.log.Error().Err(err).Msg("服务注销失败")
	}
}
