package main

import (
	"time"

	"github.com/punchamoorthee/ledgerguard/internal/config"
	"github.com/punchamoorthee/ledgerguard/internal/currency"
	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/risk"
	"github.com/punchamoorthee/ledgerguard/internal/service"
)

// The builders below turn validated settings into engine configurations.
// config.Load has already rejected malformed values.

func rates(cfg *config.Config) currency.Rates {
	r := currency.DefaultRates()
	r[domain.CurrencyUSD] = config.Dec(cfg.USDPerJOD)
	r[domain.CurrencyEUR] = config.Dec(cfg.EURPerJOD)
	return r
}

func ledgerConfig(cfg *config.Config) service.LedgerConfig {
	limits, _ := cfg.Limits()
	return service.LedgerConfig{
		FeeFlat:               config.Dec(cfg.TransferFeeFlat),
		FeePercent:            config.Dec(cfg.TransferFeePercent),
		Limits:                limits,
		DefaultLimit:          config.Dec(cfg.TransferLimitDefault),
		ConfirmationThreshold: config.Dec(cfg.ConfirmationThreshold),
	}
}

func gateConfig(cfg *config.Config) service.GateConfig {
	return service.GateConfig{TTL: cfg.OTPTTL, MaxAttempts: cfg.OTPMaxAttempts}
}

func location(cfg *config.Config) *time.Location {
	loc, err := time.LoadLocation(cfg.RiskTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func authConfig(cfg *config.Config) risk.AuthConfig {
	c := risk.DefaultAuthConfig()
	c.Location = location(cfg)
	return c
}

func transactionConfig(cfg *config.Config) risk.TransactionConfig {
	c := risk.DefaultTransactionConfig()
	c.LargeThreshold = config.Dec(cfg.RiskLargeTxnThreshold)
	c.OutlierMultiplier = config.Dec(cfg.RiskOutlierMultiplier)
	c.VelocityAmount = config.Dec(cfg.RiskVelocityAmount)
	if cfg.RiskVelocityCount > 0 {
		c.VelocityCount = cfg.RiskVelocityCount
	}
	if cfg.RiskRapidCount > 0 {
		c.RapidCount = cfg.RiskRapidCount
	}
	if cfg.RiskFailedTransferBurst > 0 {
		c.FailureBurst = cfg.RiskFailedTransferBurst
	}
	c.BlacklistedIPs = cfg.RiskBlacklistedIPs
	c.Location = location(cfg)
	return c
}
