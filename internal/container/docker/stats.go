package docker

import (
	"encoding/json"
	"io"
)

// containerStatsJSON mirrors the subset of Docker's /containers/{id}/stats
// response this package needs. Decoded independently of the SDK's own
// (frequently renamed) stats struct so a client-library bump can't silently
// change field names out from under CPU% math.
type containerStatsJSON struct {
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	BlkioStats struct {
		IoServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
	CPUStats    cpuStatsJSON `json:"cpu_stats"`
	PreCPUStats cpuStatsJSON `json:"precpu_stats"`
}

type cpuStatsJSON struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint64 `json:"online_cpus"`
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
