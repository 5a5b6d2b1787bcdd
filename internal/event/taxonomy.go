package event

// Well-known event types. The taxonomy is open-ended: modules may emit types
// not listed here (the scheduler logs a schema warning when a module emits a
// type it did not advertise), but these cover the core data elements and the
// entity anchor set used by correlation walks.
const (
	TypeIPAddress         = "IP_ADDRESS"
	TypeIPv6Address       = "IPV6_ADDRESS"
	TypeInternalIP        = "INTERNAL_IP_ADDRESS"
	TypeNetblock          = "NETBLOCK"
	TypeNetblockMember    = "NETBLOCK_MEMBER"
	TypeDomainName        = "DOMAIN_NAME"
	TypeInternetName      = "INTERNET_NAME"
	TypeEmailAddr         = "EMAILADDR"
	TypeEmailCompromised  = "EMAILADDR_COMPROMISED"
	TypeUsername          = "USERNAME"
	TypeHumanName         = "HUMAN_NAME"
	TypePhoneNumber       = "PHONE_NUMBER"
	TypeBitcoinAddress    = "BITCOIN_ADDRESS"
	TypeEthereumAddress   = "ETHEREUM_ADDRESS"
	TypeASN               = "ASN"
	TypeTCPPortOpen       = "TCP_PORT_OPEN"
	TypeTCPPortBanner     = "TCP_PORT_OPEN_BANNER"
	TypeWebserverBanner   = "WEBSERVER_BANNER"
	TypeMaliciousIP       = "MALICIOUS_IPADDR"
	TypeBlacklistedIP     = "BLACKLIST_IPADDR"
	TypeRawDNSRecords     = "RAW_DNS_RECORDS"
	TypeDNSResolutionFail = "DNS_RESOLUTION_FAILED"
)

// entityTypes is the closed set of types treated as natural anchor points for
// correlation walks: resolving an `entity.` prefix climbs the source chain
// until it reaches one of these.
var entityTypes = map[string]bool{
	TypeIPAddress:      true,
	TypeIPv6Address:    true,
	TypeInternalIP:     true,
	TypeNetblock:       true,
	TypeDomainName:     true,
	TypeInternetName:   true,
	TypeEmailAddr:      true,
	TypeUsername:       true,
	TypeHumanName:      true,
	TypePhoneNumber:    true,
	TypeBitcoinAddress: true,
	TypeEthereumAddress: true,
	TypeASN:            true,
}

// IsEntityType reports whether the given event type is in the closed entity set.
func IsEntityType(eventType string) bool {
	return entityTypes[eventType]
}

// typeDescriptions maps well-known types to human-readable descriptions for
// scan summaries. Unknown types fall back to the raw type string.
var typeDescriptions = map[string]string{
	TypeIPAddress:         "IP Address",
	TypeIPv6Address:       "IPv6 Address",
	TypeInternalIP:        "Internal IP Address",
	TypeNetblock:          "Netblock",
	TypeNetblockMember:    "Netblock Member",
	TypeDomainName:        "Domain Name",
	TypeInternetName:      "Internet Name",
	TypeEmailAddr:         "Email Address",
	TypeEmailCompromised:  "Compromised Email Address",
	TypeUsername:          "Username",
	TypeHumanName:         "Human Name",
	TypePhoneNumber:       "Phone Number",
	TypeBitcoinAddress:    "Bitcoin Address",
	TypeEthereumAddress:   "Ethereum Address",
	TypeASN:               "BGP AS Number",
	TypeTCPPortOpen:       "Open TCP Port",
	TypeTCPPortBanner:     "Open TCP Port Banner",
	TypeWebserverBanner:   "Web Server Banner",
	TypeMaliciousIP:       "Malicious IP Address",
	TypeBlacklistedIP:     "Blacklisted IP Address",
	TypeRawDNSRecords:     "Raw DNS Records",
	TypeDNSResolutionFail: "Failed DNS Resolution",
}

// TypeDescription returns a human-readable description for an event type.
func TypeDescription(eventType string) string {
	if d, ok := typeDescriptions[eventType]; ok {
		return d
	}

	return eventType
}
