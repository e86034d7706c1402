package go_mdnsd

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultServiceType  = "_http._tcp"
	DefaultDomain       = "local."
	DefaultInstanceName = "sillytavern"
	DefaultPort         = 8080
)

// InterfaceDescriptor describes a single usable address on a network interface.
// It is recomputed on every selection request and never persisted.
type InterfaceDescriptor struct {
	DisplayName string `json:"display_name"`
	SystemName  string `json:"system_name"`
	IPAddress   string `json:"ip_address"`
	IsUp        bool   `json:"is_up"`

	// Index is the OS interface index, zero if unknown.
	Index int `json:"index"`
}

// TxtEntry is a single key=value pair of a TXT record.
type TxtEntry struct {
	Key   string
	Value string
}

// TxtRecord is an ordered set of TXT key/value pairs.
type TxtRecord []TxtEntry

// DefaultTxtRecord is published when the caller does not provide any TXT entry.
var DefaultTxtRecord = TxtRecord{{Key: "path", Value: "/"}}

// ParseTxtRecord parses entries in the key=value form. Entries without a value
// are kept as boolean attributes (empty value).
func ParseTxtRecord(entries []string) (TxtRecord, error) {
	txt := make(TxtRecord, 0, len(entries))
	for _, entry := range entries {
		key, value, _ := strings.Cut(entry, "=")
		if len(key) == 0 {
			return nil, fmt.Errorf("invalid txt entry: %q", entry)
		}

		txt = txt.With(key, value)
	}

	return txt, nil
}

// With returns a copy of the record with key set to value. An existing key keeps its position.
func (t TxtRecord) With(key, value string) TxtRecord {
	out := make(TxtRecord, len(t), len(t)+1)
	copy(out, t)
	for i := range out {
		if strings.EqualFold(out[i].Key, key) {
			out[i].Value = value
			return out
		}
	}

	return append(out, TxtEntry{Key: key, Value: value})
}

func (t TxtRecord) Get(key string) (string, bool) {
	for _, e := range t {
		if strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}

	return "", false
}

// Strings renders the record in the key=value form used on the wire.
func (t TxtRecord) Strings() []string {
	out := make([]string, 0, len(t))
	for _, e := range t {
		out = append(out, e.Key+"="+e.Value)
	}
	return out
}

// RegistrationConfig is the immutable description of what should be advertised.
type RegistrationConfig struct {
	// ServiceType is the DNS-SD service type, e.g. "_http._tcp". A trailing domain
	// such as "_http._tcp.local." is accepted and split off.
	ServiceType string
	// InstanceName is used both as the service instance name and as the advertised hostname.
	InstanceName string
	// Domain defaults to "local.".
	Domain string
	Port   int
	// TxtRecord is published as is, leave nil to publish DefaultTxtRecord.
	TxtRecord TxtRecord
	// ExplicitAddress forces the address to bind, leave empty to select one automatically.
	ExplicitAddress string
}

func (c RegistrationConfig) Validate() error {
	if len(c.InstanceName) == 0 {
		return errors.New("missing instance name")
	} else if strings.ContainsAny(c.InstanceName, ". ") {
		return fmt.Errorf("invalid instance name: %q", c.InstanceName)
	}

	service, _ := c.Service()
	if !strings.HasPrefix(service, "_") || !strings.Contains(service, "._") {
		return fmt.Errorf("invalid service type: %q", c.ServiceType)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	return nil
}

// Service returns the service type without domain and the domain as a fully qualified name.
func (c RegistrationConfig) Service() (service string, domain string) {
	service = strings.TrimSuffix(c.ServiceType, ".")
	domain = c.Domain

	// accept "_http._tcp.local." as well as "_http._tcp"
	if idx := strings.LastIndex(service, "._tcp"); idx >= 0 && idx+5 < len(service) {
		if len(domain) == 0 {
			domain = service[idx+6:]
		}
		service = service[:idx+5]
	} else if idx := strings.LastIndex(service, "._udp"); idx >= 0 && idx+5 < len(service) {
		if len(domain) == 0 {
			domain = service[idx+6:]
		}
		service = service[:idx+5]
	}

	if len(domain) == 0 {
		domain = DefaultDomain
	} else if !strings.HasSuffix(domain, ".") {
		domain += "."
	}

	return service, domain
}

// Txt returns the TXT record to publish, falling back to DefaultTxtRecord.
func (c RegistrationConfig) Txt() TxtRecord {
	if len(c.TxtRecord) == 0 {
		return DefaultTxtRecord
	}
	return c.TxtRecord
}

// PriorityList is an ordered list of interface name prefixes, matched case-insensitively.
type PriorityList []string

var DefaultPriorityList = PriorityList{"wlan", "eth", "tether", "tun"}

// Rank returns the index of the first prefix matching any of the names,
// or -1 if none matches. An empty prefix matches every name.
func (p PriorityList) Rank(names ...string) int {
	for i, prefix := range p {
		prefix = strings.ToLower(prefix)
		for _, name := range names {
			if strings.HasPrefix(strings.ToLower(name), prefix) {
				return i
			}
		}
	}

	return -1
}
