package service

// Bids and settlement serialize on separate keys so a running settlement never blocks bid reads.
func BidLockKey(auctionID string) string {
	return "auction:" + auctionID + ":bids"
}

// SettlementLockKey is shared by the Settlement Engine and the Webhook Reconciler.
func SettlementLockKey(auctionID string) string {
	return "auction:" + auctionID + ":settlement"
}
