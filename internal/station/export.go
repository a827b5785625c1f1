package station

import (
	"fmt"
	"strings"
)

// RouterConfigScript renders the RouterOS provisioning script for a station.
// It references the allocated network range and shared secret and points the
// hotspot login at the resolved backend address. Consumed by deployment
// tooling, never executed by the core.
func RouterConfigScript(s *Station, baseURL string) string {
	net := strings.TrimSuffix(s.NetworkCIDR, "0/24")
	var b strings.Builder

	fmt.Fprintf(&b, "# %s hotspot configuration\n", s.Name)
	fmt.Fprintf(&b, "# Network: %s\n\n", s.NetworkCIDR)

	fmt.Fprintf(&b, "/system identity\nset name=\"%s\"\n\n", s.Name)

	fmt.Fprintf(&b, "/ip address\nadd address=%s1/24 interface=bridge-hotspot\n\n", net)

	fmt.Fprintf(&b, "/ip pool\nadd name=hs-pool ranges=%s10-%s254\n\n", net, net)

	fmt.Fprintf(&b, "/radius\nadd service=hotspot address=%s secret=\"%s\"\n\n",
		backendHost(baseURL), s.SharedSecret)

	b.WriteString("/ip hotspot profile\n")
	fmt.Fprintf(&b, "add name=hs-profile hotspot-address=%s1 login-by=mac,http-chap use-radius=yes\n\n", net)

	b.WriteString("/ip hotspot\n")
	b.WriteString("add name=hotspot1 interface=bridge-hotspot address-pool=hs-pool profile=hs-profile\n\n")

	b.WriteString("/ip hotspot walled-garden\n")
	fmt.Fprintf(&b, "add dst-host=%s action=allow\n", backendHost(baseURL))

	return b.String()
}

// LoginRedirect renders the captive-portal redirect payload for a station:
// the link an unauthorized device is sent to, with the router filling in the
// device's MAC and IP.
func LoginRedirect(s *Station, baseURL string) string {
	return fmt.Sprintf("%s/portal/connect?station=%s&mac=$(mac)&ip=$(ip)", baseURL, s.ID)
}

// backendHost strips the scheme and path from a base URL.
func backendHost(baseURL string) string {
	host := baseURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return host
}
