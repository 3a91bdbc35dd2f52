package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// regimeRates are flat annual rates applied to declared turnover, by tax
// regime.
var regimeRates = map[string]float64{
	"igs":        0.022,
	"simplified": 0.03,
	"real":       0.33,
}

// Calculator estimates annual tax from a declared turnover. It is a pure
// function of its parameters; the workflow supplies amount and regime.
type Calculator struct{}

// NewCalculator creates the tax estimate service.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Call implements Handler.
func (c *Calculator) Call(_ context.Context, method string, params map[string]any) (*model.ServiceReply, error) {
	switch method {
	case "estimate":
		return c.estimate(params), nil
	default:
		return nil, fmt.Errorf("tax: unknown method %q", method)
	}
}

func (c *Calculator) estimate(params map[string]any) *model.ServiceReply {
	amount, err := strconv.ParseFloat(strings.TrimSpace(model.ValueString(params["amount"])), 64)
	if err != nil || amount < 0 {
		return &model.ServiceReply{
			Success:     false,
			MessageType: model.ReplyRetry,
			MessageKey:  "estimate.bad_amount",
		}
	}

	regime := model.ValueString(params["regime"])
	if regime == "" {
		regime = "igs"
	}
	rate, ok := regimeRates[regime]
	if !ok {
		return &model.ServiceReply{
			Success:     false,
			MessageType: model.ReplyError,
			MessageKey:  "estimate.unknown_regime",
		}
	}

	return &model.ServiceReply{
		Success: true,
		Data: map[string]any{
			"amount": amount,
			"regime": regime,
			// Percentage rounded to two decimals so it renders cleanly.
			"rate": math.Round(rate*10000) / 100,
			"tax":  math.Round(amount * rate),
		},
	}
}
