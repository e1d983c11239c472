// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/sirupsen/logrus"
)

// tlsFilePath returns the file named by a TLS config entry, which
// may be given as a plain path or a file:// URL.
func tlsFilePath(field, value string) (string, error) {
	path := strings.TrimPrefix(value, "file://")
	if path == "" {
		return "", fmt.Errorf("cannot use TLS certificate: TLS.%s is empty", field)
	}
	if strings.Contains(path, "://") {
		return "", fmt.Errorf("cannot use TLS certificate: TLS.%s %q must be a file path or file:// URL", field, value)
	}
	return path, nil
}

func tlsConfigWithCertUpdater(cluster *stram.Cluster, logger logrus.FieldLogger) (*tls.Config, error) {
	currentCert := make(chan *tls.Certificate, 1)
	loaded := false

	key, err := tlsFilePath("Key", cluster.TLS.Key)
	if err != nil {
		return nil, err
	}
	cert, err := tlsFilePath("Certificate", cluster.TLS.Certificate)
	if err != nil {
		return nil, err
	}
	logger = logger.WithFields(logrus.Fields{
		"TLSCertificate": cert,
		"TLSKey":         key,
	})

	update := func() error {
		cert, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return fmt.Errorf("error loading X509 key pair: %w", err)
		}
		if loaded {
			// Throw away old cert
			<-currentCert
		}
		currentCert <- &cert
		loaded = true
		return nil
	}
	err = update()
	if err != nil {
		return nil, err
	}

	go func() {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		for range reload {
			err := update()
			if err != nil {
				logger.WithError(err).Warn("error updating TLS certificate")
			} else {
				logger.Info("reloaded TLS certificate")
			}
		}
	}()

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := <-currentCert
			currentCert <- cert
			return cert, nil
		},
	}, nil
}
