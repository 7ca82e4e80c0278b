package chain

func tronParams() *Params {
	return &Params{
		Chain:    TRON,
		Name:     "TRON",
		Symbol:   "TRX",
		Decimals: 6,

		// Tron activity is only observed by polling.
		DoesBackendSocketSupport: false,

		CoinType: 195,
	}
}
