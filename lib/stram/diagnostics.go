// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultStaleReportHistory = 100

// StaleReport describes an operator report that was ignored.
type StaleReport struct {
	Time               time.Time `json:"time"`
	ContainerID        int       `json:"container_id"`
	OperatorID         int       `json:"operator_id"`
	Reason             string    `json:"reason"`
	ReportedWindowID   int64     `json:"reported_window_id"`
	CheckpointWindowID int64     `json:"checkpoint_window_id"`
}

// staleReports keeps the most recent stale reports.
type staleReports struct {
	mtx   sync.Mutex
	seq   uint64
	cache *lru.Cache
}

func newStaleReports(size int) *staleReports {
	if size <= 0 {
		size = defaultStaleReportHistory
	}
	cache, err := lru.New(size)
	if err != nil {
		// only possible if size <= 0
		panic(err)
	}
	return &staleReports{cache: cache}
}

func (sr *staleReports) Add(rpt StaleReport) {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	sr.seq++
	sr.cache.Add(sr.seq, rpt)
}

// Reports returns the retained reports, oldest first.
func (sr *staleReports) Reports() []StaleReport {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	var rpts []StaleReport
	for _, k := range sr.cache.Keys() {
		if v, ok := sr.cache.Peek(k); ok {
			rpts = append(rpts, v.(StaleReport))
		}
	}
	return rpts
}
