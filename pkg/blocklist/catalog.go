// Package blocklist fetches, parses, merges and builds hosts-format block lists.
package blocklist

// ListDefinition describes a built-in hosts source.
type ListDefinition struct {
	ID          string
	Name        string
	URL         string
	Description string
}

// Catalog lists the built-in hosts sources available for selection.
var Catalog = map[string]ListDefinition{
	"adaway": {
		ID:          "adaway",
		Name:        "AdAway default blocklist",
		URL:         "https://adaway.org/hosts.txt",
		Description: "Mobile ad servers.",
	},
	"yoyo": {
		ID:          "yoyo",
		Name:        "Peter Lowe's ad and tracking server list",
		URL:         "https://pgl.yoyo.org/adservers/serverlist.php?hostformat=hosts&showintro=0&mimetype=plaintext",
		Description: "Ad and tracking servers.",
	},
	"stevenblack": {
		ID:          "stevenblack",
		Name:        "StevenBlack unified hosts",
		URL:         "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts",
		Description: "Unified adware and malware hosts.",
	},
	"someonewhocares": {
		ID:          "someonewhocares",
		Name:        "Dan Pollock's hosts file",
		URL:         "https://someonewhocares.org/hosts/zero/hosts",
		Description: "Ads, banners, trackers and malware.",
	},
}
