// Copyright 2024 The IP Rotator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Suffix of the display name of every resource created for a site.
const apiNameSuffix = " - IP Rotate API"

// Appended to the display name of resources that [Pool.Shutdown] must not delete.
const manualDeletionSuffix = " (Manual Deletion Required)"

// NormalizeSite validates the site URL and returns it in the form used to name and
// configure resources: lowercase scheme and host, ASCII host, no default port and no
// trailing slash. The site may contain a path prefix, but no query or fragment.
func NormalizeSite(site string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(site))
	if err != nil {
		return "", fmt.Errorf("failed to parse site: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.New("site must be an absolute http or https URL")
	}
	if u.Hostname() == "" {
		return "", errors.New("site must have a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", errors.New("site must not have a query or fragment")
	}
	if u.User != nil {
		return "", errors.New("site must not have user info")
	}

	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) == nil {
		host, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("invalid site host: %w", err)
		}
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

// APIName returns the display name of the resources created for the normalized site.
// It only depends on the site, so separate runs find each other's resources.
func APIName(site string) string {
	return site + apiNameSuffix
}

func resourceName(site string, requireManualDeletion bool) string {
	if requireManualDeletion {
		return APIName(site) + manualDeletionSuffix
	}
	return APIName(site)
}
