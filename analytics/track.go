// Package analytics creates the usage tracker of a uricontent host.
package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	InstanceIDEnvKey = "URICONTENT_INSTANCE_ID"
	InstanceID       = "instance_id"
)

// NewTracker returns a tracker tagged with the instance id, or a tracker that drops every
// event when tracking is disabled.
func NewTracker(enabled bool, repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) analytics.Tracker {
	if !enabled {
		return noopTracker{}
	}

	properties := analytics.Properties{}
	if instanceID := repository.Get(InstanceIDEnvKey); instanceID != "" {
		properties[InstanceID] = instanceID
	} else {
		logger.Debugf("%s is not set, events are sent without an instance id", InstanceIDEnvKey)
	}

	return trackerFactory(logger, properties)
}

func NewDefaultTracker(enabled bool, repository env.Repository, logger log.Logger) analytics.Tracker {
	return NewTracker(enabled, repository, logger, analytics.NewDefaultTracker)
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}

func (noopTracker) Wait() {}
