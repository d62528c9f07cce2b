// Package registry registers the service with Consul.
package registry

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

type ConsulConfig struct {
	Address    string
	Scheme     string
	Datacenter string
}

type ServiceConfig struct {
	ID          string
	Name        string
	Tags        []string
	Address     string
	Port        int
	HealthCheck *HealthCheck
}

// HealthCheck is either a gRPC (host:port) or an HTTP (URL) check.
type HealthCheck struct {
	GRPC                           string
	HTTP                           string
	Interval                       time.Duration
	Timeout                        time.Duration
	DeregisterCriticalServiceAfter time.Duration
}

type ConsulRegistry struct {
	client *api.Client
	log    zerolog.Logger
}

// 创建Consul
func NewConsulRegistry(config *ConsulConfig, log zerolog.Logger) (*ConsulRegistry, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = config.Address
	if config.Scheme != "" {
		consulConfig.Scheme = config.Scheme
	}
	consulConfig.Datacenter = config.Datacenter

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("创建Consul客户端失败: %w", err)
	}
	if _, err = client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("连接Consul失败: %w", err)
	}
	log.Info().Str("address", config.Address).Msg("Consul连接成功")
	return &ConsulRegistry{client: client, log: log}, nil
}

// 注册服务
func (r *ConsulRegistry) RegisterService(config *ServiceConfig) error {
	if err := r.client.Agent().ServiceRegister(registration(config)); err != nil {
		return fmt.Errorf("服务注册失败: %w", err)
	}
	r.log.Info().Str("service", config.Name).Str("id", config.ID).Msg("服务注册成功")
	return nil
}

// 注销服务
func (r *ConsulRegistry) DeregisterService(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}
	r.log.Info().Str("id", serviceID).Msg("服务注销成功")
	return nil
}

func registration(config *ServiceConfig) *api.AgentServiceRegistration {
	reg := &api.AgentServiceRegistration{
		ID:      config.ID,
		Name:    config.Name,
		Tags:    config.Tags,
		Address: config.Address,
		Port:    config.Port,
	}
	if hc := config.HealthCheck; hc != nil {
		reg.Check = &api.AgentServiceCheck{
			GRPC:                           hc.GRPC,
			HTTP:                           hc.HTTP,
			Interval:                       hc.Interval.String(),
			Timeout:                        hc.Timeout.String(),
			DeregisterCriticalServiceAfter: hc.DeregisterCriticalServiceAfter.String(),
		}
	}
	return reg
}

// 获取本机IP地址
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// 生成服务ID
func GenerateServiceID(serviceName, ip string, port int) string {
	return fmt.Sprintf("%s-%s-%d", serviceName, ip, port)
}
