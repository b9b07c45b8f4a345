package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	DefaultSignatureHeader    = "Billing-Signature"
	DefaultToleranceSeconds   = 300
	DefaultTxTimeout          = 10 * time.Second
	DefaultReplayBatchLimit   = 500
	ReplayCheckpointPrefix    = "replay:cursor:"
	IngressRateLimitPrefix    = "ingress:rl:"
	IngressRateLimitWindow    = time.Minute
	DefaultIngressLimitPerMin = 600
	StateChangePublishTimeout = 30 * time.Second
)
