/*
Package metrics exports per-mount filesystem metrics to Prometheus.

A Collector hands each mount a guarded.Observer (Collector.Observer) that
is plugged into the mount lock, so every operation reports how long it
held the lock. Callers above the adapters add operation outcomes
(RecordOperation, labelled by error code), file I/O volume (RecordBytes)
and capacity figures from statfs (UpdateVolume).

Exported series:

	diskvfs_lock_hold_seconds{mount,operation}
	diskvfs_operations_total{mount,operation,status}
	diskvfs_errors_total{mount,operation,code}
	diskvfs_bytes_total{mount,direction}
	diskvfs_volume_size_bytes{mount}
	diskvfs_volume_free_bytes{mount}
	diskvfs_volume_files{mount}
	diskvfs_volume_free_files{mount}

Start serves them on Config.Path together with /health and a JSON dump of
the per-operation tracking at /debug/operations.
*/
package metrics
