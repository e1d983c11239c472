// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package plan

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// PlanFile is the on-disk form of an assignment.
//
//	Containers:
//	  1: [1, 2]
//	  2: [3]
//	Operators:
//	  3:
//	    MEMORY_MB: "2048"
type PlanFile struct {
	Containers map[int][]int             `json:"Containers"`
	Operators  map[int]map[string]string `json:"Operators"`
}

// FileAssignment is an Assignment loaded from a YAML plan file and
// reloaded when the file changes. If a reload fails, the previous
// placement stays in effect.
type FileAssignment struct {
	*StaticAssignment
	path   string
	logger logrus.FieldLogger

	mtx   sync.RWMutex
	attrs map[int]map[string]string
}

// LoadFileAssignment reads the plan file at path.
func LoadFileAssignment(path string, logger logrus.FieldLogger) (*FileAssignment, error) {
	a := &FileAssignment{
		StaticAssignment: &StaticAssignment{},
		path:             path,
		logger:           logger.WithField("PlanFile", path),
	}
	if err := a.reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// OperatorAttributes returns the attribute overrides listed for an
// operator in the plan file.
func (a *FileAssignment) OperatorAttributes(operatorID int) map[string]string {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return a.attrs[operatorID]
}

func (a *FileAssignment) reload() error {
	buf, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("couldn't read plan file %q: %w", a.path, err)
	}
	var pf PlanFile
	err = yaml.Unmarshal(buf, &pf)
	if err != nil {
		return fmt.Errorf("while loading plan file %q: %w", a.path, err)
	}
	for op := range pf.Operators {
		if _, ok := assignedIn(pf.Containers, op); !ok {
			return fmt.Errorf("while loading plan file %q: attributes given for unassigned operator %d", a.path, op)
		}
	}
	// subscribers are notified by Replace, so attributes must be
	// in place first
	a.mtx.Lock()
	prev := a.attrs
	a.attrs = pf.Operators
	a.mtx.Unlock()
	err = a.Replace(pf.Containers)
	if err != nil {
		a.mtx.Lock()
		a.attrs = prev
		a.mtx.Unlock()
		return fmt.Errorf("while loading plan file %q: %w", a.path, err)
	}
	return nil
}

func assignedIn(placement map[int][]int, op int) (int, bool) {
	for ctr, ops := range placement {
		for _, o := range ops {
			if o == op {
				return ctr, true
			}
		}
	}
	return 0, false
}

// Watch reloads the plan file whenever it changes, until ctx is done.
func (a *FileAssignment) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.WithError(err).Error("plan fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(a.path)
	if err != nil {
		a.logger.WithError(err).Error("plan file watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.WithError(err).Warn("plan file watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors that replace the file drop our
				// watch along with it.
				watcher.Remove(a.path)
				if err := watcher.Add(a.path); err != nil {
					a.logger.WithError(err).Error("plan file watcher failed")
					return
				}
			}
			if err := a.reload(); err != nil {
				a.logger.WithError(err).Error("plan reload failed, keeping previous assignment")
				continue
			}
			a.logger.Info("plan reloaded")
		}
	}
}
