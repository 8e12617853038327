package route

// ResolvePrice applies the documented override order for a routed lead's
// price: the winning BuyerOffer's price
// overrides the Offer's default_price; if neither is set the price is 0,
// which billing treats as a no-charge lead rather than an error.
func ResolvePrice(buyerOfferPrice *float64, offerDefaultPrice *float64) float64 {
	if buyerOfferPrice != nil {
		return *buyerOfferPrice
	}
	if offerDefaultPrice != nil {
		return *offerDefaultPrice
	}
	return 0
}
