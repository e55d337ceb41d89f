package rules

// Builtin returns the default rule pack used when no rule files are configured.
func Builtin() []DetectionRule {
	rules := []DetectionRule{
		{
			ID:          "builtin-payment-amount-outlier",
			Name:        "Payment amount outlier",
			Description: "Daily payment amount per vendor far outside its historical distribution",
			Category:    CategoryStatistical,
			Method:      MethodZScoreIQR,
			Threshold:   3,
			Severity:    SeverityHigh,
			Active:      true,
			Params:      Params{Metric: "payment_amount", EntityType: "vendor"},
		},
		{
			ID:          "builtin-invoice-count-outlier",
			Name:        "Invoice count outlier",
			Description: "Daily invoice volume per vendor far outside its historical distribution",
			Category:    CategoryStatistical,
			Method:      MethodZScoreIQR,
			Threshold:   3,
			Severity:    SeverityMedium,
			Active:      true,
			Params:      Params{Metric: "invoice_count", EntityType: "vendor"},
		},
		{
			ID:          "builtin-excessive-approvals",
			Name:        "Excessive approvals",
			Description: "Employee approved more payments than expected within the window",
			Category:    CategoryBehavioral,
			Method:      MethodActionCount,
			Threshold:   200,
			Severity:    SeverityMedium,
			Active:      true,
			Params:      Params{EntityType: "employee", Action: "approve_payment", WindowDays: 30},
		},
		{
			ID:          "builtin-vendor-payment-volume",
			Name:        "Vendor payment volume",
			Description: "Cumulative payments to one vendor exceed the window limit",
			Category:    CategoryBehavioral,
			Method:      MethodAmountTotal,
			Threshold:   1_000_000,
			Severity:    SeverityHigh,
			Active:      true,
			Params:      Params{EntityType: "vendor", Action: "payment", WindowDays: 30},
		},
		{
			ID:          "builtin-new-vendor-fast-payment",
			Name:        "New vendor paid immediately",
			Description: "First payment to a vendor arrives implausibly soon after the vendor was created",
			Category:    CategoryBehavioral,
			Method:      MethodFirstActionLatency,
			Threshold:   86400,
			Severity:    SeverityHigh,
			Active:      true,
			Params:      Params{EntityType: "vendor", Action: "payment", WindowDays: 30},
		},
		{
			ID:          "builtin-off-hours-activity",
			Name:        "Off-hours activity",
			Description: "Employee activity spikes in the overnight window relative to their own hourly profile",
			Category:    CategoryTemporal,
			Method:      MethodHourlyDeviation,
			Threshold:   3,
			Severity:    SeverityMedium,
			Active:      true,
			Params:      Params{EntityType: "employee", WindowDays: 7, UnusualHours: &HourRange{Start: 0, End: 6}},
		},
		{
			ID:          "builtin-rapid-payment-sequence",
			Name:        "Rapid payment sequence",
			Description: "Repeated payments between the same pair with bot-like spacing",
			Category:    CategoryTemporal,
			Method:      MethodRapidSequence,
			Threshold:   60,
			Severity:    SeverityHigh,
			Active:      true,
			Params:      Params{EntityType: "employee", Action: "payment", MinRepeat: 3, WindowDays: 7},
		},
		{
			ID:          "builtin-shared-address",
			Name:        "Shared vendor address",
			Description: "Many vendors registered at one address",
			Category:    CategoryPattern,
			Method:      MethodSharedAttribute,
			Threshold:   10,
			Severity:    SeverityMedium,
			Active:      true,
			Params:      Params{EntityType: "vendor", Attribute: "address"},
		},
		{
			ID:          "builtin-shared-address-contact",
			Name:        "Shared address and contact",
			Description: "Vendors at one address that also share a contact identifier",
			Category:    CategoryPattern,
			Method:      MethodSharedContact,
			Threshold:   2,
			Severity:    SeverityHigh,
			Active:      true,
			Params:      Params{EntityType: "vendor", Attribute: "address"},
		},
		{
			ID:          "builtin-self-dealing",
			Name:        "Self-dealing payment",
			Description: "The same identity appears on both sides of a payment",
			Category:    CategoryPattern,
			Method:      MethodSelfDealing,
			Threshold:   1,
			Severity:    SeverityCritical,
			Active:      true,
			Params:      Params{EntityType: "employee", Action: "payment", WindowDays: 90},
		},
		{
			ID:          "builtin-bilateral-volume",
			Name:        "Excessive bilateral volume",
			Description: "Transaction count between one pair exceeds the window limit",
			Category:    CategoryPattern,
			Method:      MethodBilateralVolume,
			Threshold:   50,
			Severity:    SeverityLow,
			Active:      true,
			Params:      Params{EntityType: "employee", Action: "payment", Measure: MeasureCount, WindowDays: 30},
		},
	}

	for i := range rules {
		rules[i] = rules[i].WithDefaults()
	}
	return rules
}
