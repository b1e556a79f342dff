package cluster

import "github.com/pkg/errors"

var (
	// ErrProbeTimeout and friends never cross the probe boundary as errors;
	// they are folded into Unreachable observations.
	ErrProbeTimeout  = errors.New("probe timed out")
	ErrProbeRefused  = errors.New("probe connection refused")
	ErrProbeProtocol = errors.New("probe protocol error")

	ErrQuorumNotReached    = errors.New("quorum of replicas has not confirmed primary failure")
	ErrNoEligibleCandidate = errors.New("no healthy replica eligible for promotion")
	ErrStalePlanRejected   = errors.New("plan epoch is older than current epoch")
	ErrExecutorStepFailed  = errors.New("executor step failed")
	ErrNoPrimary           = errors.New("no primary designated")
	ErrUnknownNode         = errors.New("unknown node")
)
