package influxdb

import "errors"

var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	// ErrDisabled is returned by Connect when InfluxDB output is off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
