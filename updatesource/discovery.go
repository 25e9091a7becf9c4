// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package updatesource

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	log "github.com/sirupsen/logrus"
	mdns "github.com/vanadium/go-mdns-sd"

	"github.com/aoscloud/aos_otaclient/otaerrors"
	"github.com/aoscloud/aos_otaclient/otatypes"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	mdnsPollInterval = 500 * time.Millisecond
	defaultHTTPPort  = "80"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// ServiceEntry service instance found by browser.
type ServiceEntry struct {
	Name      string
	Target    string
	Port      uint16
	Addresses []net.IP
}

// Browser local network service browser.
type Browser interface {
	// Browse looks up service during window and calls handler for each found entry until handler returns true.
	Browse(ctx context.Context, service string, window time.Duration, handler func(entry ServiceEntry) (stop bool)) error
}

// MDNSBrowser mDNS service browser.
type MDNSBrowser struct{}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// Discover discovers update server.
func (source *Source) Discover(ctx context.Context) (server otatypes.ServerInfo, err error) {
	log.WithField("service", source.config.ServiceName).Info("Start server discovery")

	server, discoveryErr := source.discoverService(ctx)
	if discoveryErr == nil {
		log.WithFields(log.Fields{"address": server.Address, "name": server.Name}).Info("Server discovered")

		source.server = &server

		return server, nil
	}

	log.Warnf("Service discovery failed: %v", discoveryErr)

	if source.config.FallbackServer == "" {
		return server, otaerrors.Errorf(otaerrors.KindDiscovery,
			"service discovery failed and no fallback server configured: %v", discoveryErr)
	}

	log.WithField("server", source.config.FallbackServer).Info("Try fallback server")

	if server, err = source.tryFallbackServer(ctx, source.config.FallbackServer); err != nil {
		return server, otaerrors.Errorf(otaerrors.KindDiscovery,
			"service discovery failed: %v, fallback server failed: %v", discoveryErr, err)
	}

	log.WithFields(log.Fields{"address": server.Address, "name": server.Name}).Info("Fallback server selected")

	source.server = &server

	return server, nil
}

// ProbeServer checks server connectivity.
func (source *Source) ProbeServer(ctx context.Context, server otatypes.ServerInfo) (err error) {
	ctx, cancel := context.WithTimeout(ctx, source.config.ProbeTimeout.Duration)
	defer cancel()

	url := server.URL(healthPath)

	log.WithField("url", url).Debug("Probe server")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	resp, err := source.client.Do(req)
	if err != nil {
		return aoserrors.Errorf("failed to connect to server: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return aoserrors.Errorf("server returned error status: %s", resp.Status)
	}

	return nil
}

// Browse looks up mDNS service.
func (browser *MDNSBrowser) Browse(
	ctx context.Context, service string, window time.Duration, handler func(entry ServiceEntry) (stop bool),
) (err error) {
	m, err := mdns.NewMDNS("", "", "", false, 0)
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer m.Stop()

	service = serviceFQDN(service)

	m.SubscribeToService(service)
	defer m.UnsubscribeFromService(service)

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	seen := make(map[string]struct{})

	for {
		for _, instance := range m.ServiceDiscovery(service) {
			for _, srv := range instance.SrvRRs {
				key := instance.Name + "/" + srv.Target

				if _, ok := seen[key]; ok {
					continue
				}

				seen[key] = struct{}{}

				addresses, _ := m.ResolveAddress(srv.Target)

				log.WithFields(log.Fields{
					"instance": instance.Name, "target": srv.Target, "port": srv.Port, "addresses": addresses,
				}).Debug("mDNS service found")

				if handler(ServiceEntry{
					Name: instance.Name, Target: srv.Target, Port: srv.Port, Addresses: addresses,
				}) {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case <-time.After(mdnsPollInterval):
		}
	}
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (source *Source) discoverService(ctx context.Context) (server otatypes.ServerInfo, err error) {
	if source.browser == nil {
		return server, aoserrors.New("service browser is not available")
	}

	var (
		found     bool
		probed    int
		probeErr  error
		candidate otatypes.ServerInfo
	)

	if err = source.browser.Browse(ctx, source.config.ServiceName, source.config.DiscoveryWindow.Duration,
		func(entry ServiceEntry) (stop bool) {
			ip := selectAddress(entry.Addresses)
			if ip == nil || entry.Port == 0 {
				log.WithField("name", entry.Name).Debug("Skip incomplete service entry")

				return false
			}

			name := strings.TrimSuffix(entry.Target, ".")
			if name == "" {
				name = entry.Name
			}

			candidate = otatypes.NewServerInfo(ip, entry.Port, name)
			probed++

			log.WithField("address", candidate.Address).Info("Found potential server, test connectivity")

			if probeErr = source.ProbeServer(ctx, candidate); probeErr != nil {
				log.WithField("address", candidate.Address).Warnf("Server connectivity test failed: %v", probeErr)

				return false
			}

			found = true

			return true
		}); err != nil {
		return server, aoserrors.Errorf("service lookup failed: %v", err)
	}

	if found {
		return candidate, nil
	}

	if probed > 0 {
		return server, aoserrors.Errorf("%d server(s) found but not reachable: %v", probed, probeErr)
	}

	return server, aoserrors.New("no servers found")
}

func (source *Source) tryFallbackServer(ctx context.Context, serverURL string) (server otatypes.ServerInfo, err error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return server, aoserrors.Errorf("invalid fallback server URL: %v", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		return server, aoserrors.Errorf("no host in fallback server URL: %s", serverURL)
	}

	port := parsedURL.Port()
	if port == "" {
		port = defaultHTTPPort
	}

	addresses, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return server, aoserrors.Errorf("failed to resolve fallback server: %v", err)
	}

	ips := make([]net.IP, 0, len(addresses))

	for _, address := range addresses {
		ips = append(ips, address.IP)
	}

	ip := selectAddress(ips)
	if ip == nil {
		return server, aoserrors.Errorf("no address resolved for fallback server: %s", host)
	}

	server = otatypes.ServerInfo{Address: net.JoinHostPort(ip.String(), port), Name: host}

	if err = source.ProbeServer(ctx, server); err != nil {
		return server, aoserrors.Errorf("fallback server is not responding: %v", err)
	}

	return server, nil
}

// selectAddress prefers IPv4 address.
func selectAddress(addresses []net.IP) (ip net.IP) {
	for _, address := range addresses {
		if address.To4() != nil {
			return address
		}

		if ip == nil {
			ip = address
		}
	}

	return ip
}

func serviceFQDN(service string) string {
	if strings.HasSuffix(service, ".local") {
		return service + "."
	}

	return service
}
