// Package ratelimit implements sliding-window request limits per endpoint
// class, keyed by client signals.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Endpoint classes
const (
	PolicyLogin            = "login"
	PolicyRegister         = "register"
	PolicyPasswordReset    = "password-reset"
	PolicyVerificationCode = "verification-code"
	PolicyAPI              = "api"
	PolicyAdmin            = "admin"
	PolicyUpload           = "upload"
)

// Policy is the limit applied to one endpoint class
type Policy struct {
	Name   string
	Window time.Duration
	Max    int
	// KeyByEmail adds the submitted email to the counter key
	KeyByEmail bool
	// SkipSuccessful un-counts requests that end in a 2xx response
	SkipSuccessful bool
}

// Policies maps class names to policies
type Policies map[string]Policy

// DefaultPolicies returns the built-in limits
func DefaultPolicies() Policies {
	return Policies{
		PolicyLogin:            {Name: PolicyLogin, Window: 15 * time.Minute, Max: 5, KeyByEmail: true, SkipSuccessful: true},
		PolicyRegister:         {Name: PolicyRegister, Window: 60 * time.Minute, Max: 3},
		PolicyPasswordReset:    {Name: PolicyPasswordReset, Window: 30 * time.Minute, Max: 2, KeyByEmail: true},
		PolicyVerificationCode: {Name: PolicyVerificationCode, Window: 30 * time.Minute, Max: 3, KeyByEmail: true, SkipSuccessful: true},
		PolicyAPI:              {Name: PolicyAPI, Window: 15 * time.Minute, Max: 100},
		PolicyAdmin:            {Name: PolicyAdmin, Window: 15 * time.Minute, Max: 50},
		PolicyUpload:           {Name: PolicyUpload, Window: 60 * time.Minute, Max: 10},
	}
}

// Get returns the named policy or panics; route wiring uses fixed names.
func (p Policies) Get(name string) Policy {
	policy, ok := p[name]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unknown policy %q", name))
	}
	return policy
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type policyFile struct {
	Policies map[string]struct {
		Window         *duration `toml:"window"`
		Max            *int      `toml:"max"`
		KeyByEmail     *bool     `toml:"key_by_email"`
		SkipSuccessful *bool     `toml:"skip_successful"`
	} `toml:"policies"`
}

// LoadPolicyFile overlays the policies in a TOML file onto the defaults:
//
//	[policies.login]
//	window = "10m"
//	max = 3
//
// Unknown classes are rejected.
func LoadPolicyFile(path string) (Policies, error) {
	policies := DefaultPolicies()
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policy file: %w", err)
	}
	return parsePolicies(policies, data)
}

func parsePolicies(policies Policies, data []byte) (Policies, error) {
	var file policyFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("parse rate limit policy file: %w", err)
	}

	for name, o := range file.Policies {
		p, ok := policies[name]
		if !ok {
			return nil, fmt.Errorf("unknown rate limit policy %q", name)
		}
		if o.Window != nil {
			p.Window = o.Window.Duration
		}
		if o.Max != nil {
			p.Max = *o.Max
		}
		if o.KeyByEmail != nil {
			p.KeyByEmail = *o.KeyByEmail
		}
		if o.SkipSuccessful != nil {
			p.SkipSuccessful = *o.SkipSuccessful
		}
		if p.Window <= 0 || p.Max <= 0 {
			return nil, fmt.Errorf("rate limit policy %q needs a positive window and max", name)
		}
		policies[name] = p
	}
	return policies, nil
}

// Key builds the counter key for a request. The user agent is hashed to
// keep keys short.
func Key(p Policy, ip, userAgent, email string) string {
	sum := sha256.Sum256([]byte(userAgent))
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteByte(':')
	b.WriteString(ip)
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(sum[:8]))
	if p.KeyByEmail {
		if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
			b.WriteByte(':')
			b.WriteString(e)
		}
	}
	return b.String()
}
