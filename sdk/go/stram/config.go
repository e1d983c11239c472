// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"fmt"
	"net/url"
)

const DefaultConfigFile = "/etc/stram/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemRootToken string
	Services        Services
	SystemLogs      struct {
		LogLevel string
		Format   string
	}
	API struct {
		RequestTimeout        Duration
		MaxConcurrentRequests int
	}
	Heartbeat struct {
		// Interval between heartbeats sent by each container,
		// and between liveness checks on the coordinator.
		Interval Duration
		// Number of consecutive missed intervals after which an
		// ACTIVE container is considered disconnected.
		MissedLimit int
		// Number of stale operator reports retained for
		// diagnostics.
		StaleReportHistory int
	}
	Containers struct {
		DefaultMemory ByteSize
		// Pending allocation requests older than this are
		// logged as overdue.
		AllocationTimeout Duration
	}
	Checkpoints struct {
		// "none" or "s3"
		PurgeBackend string
		S3           S3PurgeConfig
	}
	Plan struct {
		// YAML file with the desired operator assignment,
		// reloaded when it changes. Empty means the assignment
		// is managed through the API only.
		File string
	}
	TLS struct {
		// PEM files for serving https. Reloaded on SIGHUP.
		Certificate string
		Key         string
	}
	// Default attribute values for every operator, by attribute
	// name, given as strings and parsed by the attribute
	// registry.
	OperatorAttributes map[string]string
}

type S3PurgeConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type Services struct {
	Coordinator Service
}

type ServiceName string

const (
	ServiceNameCoordinator ServiceName = "stram-coordinator"
)

// Map returns all services as a map, suitable for iterating over
// all services or looking up a service by name.
func (svcs Services) Map() map[ServiceName]Service {
	return map[ServiceName]Service{
		ServiceNameCoordinator: svcs.Coordinator,
	}
}

type Service struct {
	InternalURLs map[URL]ServiceInstance
	ExternalURL  URL
}

type ServiceInstance struct{}

// APIHost returns the scheme and host:port clients should use to
// reach the service: the ExternalURL if set, otherwise the
// lexically first InternalURL. It returns "" if neither is
// configured.
func (svc Service) APIHost() string {
	if svc.ExternalURL.Host != "" {
		return svc.ExternalURL.Scheme + "://" + svc.ExternalURL.Host
	}
	best := ""
	for u := range svc.InternalURLs {
		if s := u.Scheme + "://" + u.Host; u.Host != "" && (best == "" || s < best) {
			best = s
		}
	}
	return best
}

// URL is a url.URL that is also usable as a JSON key/value.
type URL url.URL

// UnmarshalText implements encoding.TextUnmarshaler so URL can be
// used as a JSON key/value.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
		if su.Path == "" && su.Host != "" {
			// http://example really means http://example/
			su.Path = "/"
		}
	}
	return err
}

func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	return (*url.URL)(&su).String()
}
