package domain

import "errors"

var (
	ErrWorkloadNotFound = errors.New("workload_not_found")
	ErrWorkloadTerminal = errors.New("workload_terminal")
	ErrInvalidService   = errors.New("invalid_service_id")
	ErrInvalidEnergy    = errors.New("invalid_energy_estimate")
	ErrInvalidTenant    = errors.New("invalid_tenant")
)
