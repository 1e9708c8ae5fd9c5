package broker

// Response wire shapes for the Tradier-style REST API. The broker
// collapses single-element arrays to bare objects, so every repeated
// element decodes through singleOrArray.

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[quoteItem] `json:"quote"`
	} `json:"quotes"`
}

type quoteItem struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

type optionChainResponse struct {
	Options struct {
		Option singleOrArray[chainOptionItem] `json:"option"`
	} `json:"options"`
}

type chainOptionItem struct {
	Symbol         string      `json:"symbol"`
	OptionType     string      `json:"option_type"`
	Strike         float64     `json:"strike"`
	ExpirationDate string      `json:"expiration_date"`
	Bid            float64     `json:"bid"`
	Ask            float64     `json:"ask"`
	Last           float64     `json:"last"`
	Volume         int64       `json:"volume"`
	OpenInterest   int64       `json:"open_interest"`
	Greeks         *greeksItem `json:"greeks,omitempty"`
}

type greeksItem struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	MidIV float64 `json:"mid_iv"`
}

type orderResponse struct {
	Order orderItem `json:"order"`
}

type ordersResponse struct {
	Orders struct {
		Order singleOrArray[orderItem] `json:"order"`
	} `json:"orders"`
}

type orderItem struct {
	ID                int     `json:"id"`
	Status            string  `json:"status"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	Reason            string  `json:"reason_description"`
	Tag               string  `json:"tag"`
	Symbol            string  `json:"symbol"`
	CreateDate        string  `json:"create_date"`
}

type positionsResponse struct {
	Positions struct {
		Position singleOrArray[positionItem] `json:"position"`
	} `json:"positions"`
}

type positionItem struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}

type balanceResponse struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		TotalCash   float64 `json:"total_cash"`
		Margin      *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
			OptionRequirement float64 `json:"option_requirement"`
		} `json:"margin,omitempty"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash,omitempty"`
	} `json:"balances"`
}

type gainLossResponse struct {
	GainLoss struct {
		Closed singleOrArray[gainLossItem] `json:"closed_position"`
	} `json:"gainloss"`
}

type gainLossItem struct {
	Symbol      string  `json:"symbol"`
	CloseDate   string  `json:"close_date"`
	Quantity    float64 `json:"quantity"`
	GainLossRaw float64 `json:"gain_loss"`
}

type historyResponse struct {
	History struct {
		Day singleOrArray[historyDayItem] `json:"day"`
	} `json:"history"`
}

type historyDayItem struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

type calendarResponse struct {
	Calendar struct {
		Days struct {
			Day []calendarDayItem `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

type calendarDayItem struct {
	Date        string `json:"date"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Open        *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"open,omitempty"`
}
