package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"netshield/internal/model"
)

// Resolver looks up registration data for a public IP address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*model.OSINTProfile, error)
}

// RDAPResolver queries an RDAP bootstrap service (rdap.org by default),
// which redirects to the owning regional registry.
type RDAPResolver struct {
	baseURL string
	client  *http.Client
}

// NewRDAPResolver creates a resolver against baseURL with the given
// per-request timeout.
func NewRDAPResolver(baseURL string, timeout time.Duration) *RDAPResolver {
	return &RDAPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type rdapCIDR struct {
	V4Prefix string `json:"v4prefix"`
	V6Prefix string `json:"v6prefix"`
	Length   int    `json:"length"`
}

type rdapEntity struct {
	Roles      []string     `json:"roles"`
	VCardArray []any        `json:"vcardArray"`
	Entities   []rdapEntity `json:"entities"`
}

type rdapResponse struct {
	Name       string     `json:"name"`
	Country    string     `json:"country"`
	Handle     string     `json:"handle"`
	CIDRs      []rdapCIDR `json:"cidr0_cidrs"`
	OriginASNs []int      `json:"arin_originas0_originautnums"`
	Remarks    []struct {
		Description []string `json:"description"`
	} `json:"remarks"`
	Entities []rdapEntity `json:"entities"`
}

// Resolve fetches /ip/{addr} and maps the response into a profile. Feed
// hits and keyword classification are layered on by the enricher.
func (r *RDAPResolver) Resolve(ctx context.Context, ip string) (*model.OSINTProfile, error) {
	url := fmt.Sprintf("%s/ip/%s", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build RDAP request: %w", err)
	}
	req.Header.Set("Accept", "application/rdap+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("RDAP request for %s failed: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("RDAP lookup for %s returned status %d", ip, resp.StatusCode)
	}

	var body rdapResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode RDAP response for %s: %w", ip, err)
	}

	profile := &model.OSINTProfile{
		IP:          ip,
		Country:     strings.ToUpper(body.Country),
		NetworkName: model.Sanitize(body.Name, 0),
	}
	if len(body.OriginASNs) > 0 {
		profile.ASN = fmt.Sprintf("AS%d", body.OriginASNs[0])
	}
	if len(body.CIDRs) > 0 {
		c := body.CIDRs[0]
		prefix := c.V4Prefix
		if prefix == "" {
			prefix = c.V6Prefix
		}
		if prefix != "" {
			profile.NetworkCIDR = fmt.Sprintf("%s/%d", prefix, c.Length)
		}
	}

	var descParts []string
	for _, remark := range body.Remarks {
		descParts = append(descParts, remark.Description...)
	}
	profile.ASNDescription = model.Sanitize(strings.Join(descParts, " "), 0)
	if profile.ASNDescription == "" {
		profile.ASNDescription = profile.NetworkName
	}
	profile.AbuseContact = abuseContact(body.Entities)

	return profile, nil
}

// abuseContact walks the entity tree for an abuse-role email address.
func abuseContact(entities []rdapEntity) string {
	for _, e := range entities {
		for _, role := range e.Roles {
			if role == "abuse" {
				if email := vcardEmail(e.VCardArray); email != "" {
					return email
				}
			}
		}
		if email := abuseContact(e.Entities); email != "" {
			return email
		}
	}
	return ""
}

// vcardEmail extracts the first email property from a jCard array, which is
// ["vcard", [[name, params, type, value], ...]].
func vcardEmail(vcard []any) string {
	if len(vcard) < 2 {
		return ""
	}
	props, ok := vcard[1].([]any)
	if !ok {
		return ""
	}
	for _, p := range props {
		prop, ok := p.([]any)
		if !ok || len(prop) < 4 {
			continue
		}
		name, ok := prop[0].(string)
		if !ok || name != "email" {
			continue
		}
		if value, ok := prop[3].(string); ok {
			return model.Sanitize(value, 0)
		}
	}
	return ""
}
