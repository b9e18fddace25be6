package relay

import "strings"

const (
	auctionTopicPrefix = "auction:"
	walletTopicPrefix  = "wallet:"
)

// AuctionTopic returns the canonical topic for one auction's events.
func AuctionTopic(auctionID string) string {
	return auctionTopicPrefix + auctionID
}

// WalletTopic returns the canonical topic for one wallet's events.
// Addresses are lowercased so publishers and subscribers using different
// hex casing converge on the same registry key.
func WalletTopic(address string) string {
	return walletTopicPrefix + strings.ToLower(address)
}

// NormalizeTopic rewrites wallet topics through WalletTopic and passes
// every other spelling through verbatim. The topic namespace is
// extensible: anything that is not wallet-prefixed is accepted as-is.
func NormalizeTopic(topic string) string {
	if address, ok := strings.CutPrefix(topic, walletTopicPrefix); ok {
		return WalletTopic(address)
	}
	return topic
}
