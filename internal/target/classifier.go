// Package target parses and classifies scan target strings into typed targets.
//
// Classification is deterministic: a priority-ordered rule table is walked
// top to bottom and the first match wins (netblock before IP, email before
// hostname, and so on). The classified type becomes the seed event type for
// the scan.
package target

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Target types form a closed set; classification never invents new ones.
const (
	TypeIPAddress       = "IP_ADDRESS"
	TypeIPv6Address     = "IPV6_ADDRESS"
	TypeNetblock        = "NETBLOCK"
	TypeDomainName      = "DOMAIN_NAME"
	TypeInternetName    = "INTERNET_NAME"
	TypeEmailAddr       = "EMAILADDR"
	TypeUsername        = "USERNAME"
	TypeHumanName       = "HUMAN_NAME"
	TypePhoneNumber     = "PHONE_NUMBER"
	TypeBitcoinAddress  = "BITCOIN_ADDRESS"
	TypeEthereumAddress = "ETHEREUM_ADDRESS"
	TypeASN             = "ASN"
)

var (
	// ErrUnclassifiable is returned when no rule matches the input string.
	ErrUnclassifiable = errors.New("could not classify target")

	// ErrPrivateAddress is returned for private, loopback or link-local IP
	// inputs. Scanning internal address space needs an explicit internal
	// target type, which the public classifier does not hand out.
	ErrPrivateAddress = errors.New("target is a private or reserved address")

	// ErrEmptyTarget is returned for empty or whitespace-only input.
	ErrEmptyTarget = errors.New("target cannot be empty")
)

var (
	reASN      = regexp.MustCompile(`^(?i)AS(\d{1,10})$`)
	reEmail    = regexp.MustCompile(`^[\w.+-]+@[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)+$`)
	rePhone    = regexp.MustCompile(`^\+\d{6,15}$`)
	reBitcoin  = regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$|^bc1[a-z0-9]{11,71}$`)
	reEthereum = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	reHostname = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
	// Quoted inputs disambiguate names from hostnames: "John Smith" is a
	// human name, "jsmith" a username.
	reQuoted = regexp.MustCompile(`^"(.+)"$`)
)

// Classify determines the type of a target string and returns its normalized
// form. Hostnames and emails are lowercased, IPv6 addresses are canonically
// compressed, netblocks are rewritten to their canonical base address.
func Classify(s string) (targetType, normalized string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", ErrEmptyTarget
	}

	// Quoted: human name (contains a space) or username.
	if m := reQuoted.FindStringSubmatch(s); m != nil {
		inner := strings.TrimSpace(m[1])
		if inner == "" {
			return "", "", ErrUnclassifiable
		}

		if strings.Contains(inner, " ") {
			return TypeHumanName, inner, nil
		}

		return TypeUsername, inner, nil
	}

	// Netblock before IP: "1.2.3.0/24" would otherwise never match.
	if _, ipnet, cidrErr := net.ParseCIDR(s); cidrErr == nil {
		if isPrivateIP(ipnet.IP) {
			return "", "", fmt.Errorf("%w: %s", ErrPrivateAddress, s)
		}

		return TypeNetblock, ipnet.String(), nil
	}

	if ip := net.ParseIP(s); ip != nil {
		if isPrivateIP(ip) {
			return "", "", fmt.Errorf("%w: %s", ErrPrivateAddress, s)
		}

		if ip.To4() != nil {
			return TypeIPAddress, ip.String(), nil
		}

		// net.IP.String canonicalizes IPv6 compression.
		return TypeIPv6Address, ip.String(), nil
	}

	if m := reASN.FindStringSubmatch(s); m != nil {
		return TypeASN, "AS" + m[1], nil
	}

	if rePhone.MatchString(s) {
		return TypePhoneNumber, s, nil
	}

	if reEthereum.MatchString(s) {
		return TypeEthereumAddress, strings.ToLower(s), nil
	}

	if reBitcoin.MatchString(s) {
		return TypeBitcoinAddress, s, nil
	}

	// Email before hostname: "user@example.com" contains a valid hostname.
	if reEmail.MatchString(s) {
		return TypeEmailAddr, strings.ToLower(s), nil
	}

	lowered := strings.ToLower(s)
	if reHostname.MatchString(lowered) {
		// Two labels is a registrable domain, deeper is a subdomain. Without
		// a public-suffix list this misclassifies e.g. example.co.uk, which
		// the scheduler tolerates: both seed the same module set.
		if strings.Count(lowered, ".") == 1 {
			return TypeDomainName, lowered, nil
		}

		return TypeInternetName, lowered, nil
	}

	return "", "", fmt.Errorf("%w: %q", ErrUnclassifiable, s)
}

// isPrivateIP reports whether the address is in private, loopback,
// link-local or unspecified space.
func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// SeedEventType maps a target type to the event type used for the scan's
// seed event. The sets are aligned by construction, so this is the identity
// today; it exists to keep the mapping explicit at the one call site that
// crosses from target space into event space.
func SeedEventType(targetType string) string {
	return targetType
}
