package engine

/*
Файл evaluate.go содержит чистую функцию принятия решения (Decision Engine).
Никакого I/O: все входные данные (эффективная политика, остаток бюджета,
действующие кредитные гранты) снимаются заранее и передаются снапшотом.
Порядок правил тотален, tie-break всегда в пользу более консервативного
исхода: DENY > REQUIRE_APPROVAL > ALLOW_WITH_CREDITS > ALLOW.
*/

import (
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// EvalInput — снапшот состояния для одной оценки.
type EvalInput struct {
	Policy  *domain.PolicyDocument
	Source  domain.Source
	Request domain.GateInput

	BudgetRemainingUSD float64
	Credits            []domain.CreditGrant

	Now time.Time
}

// EvalResult — исход чистой оценки.
// Plan — резервация, которую нужно закоммитить сейчас (пустая для
// shadow/soft/deny). ProposedPlan заполняется только для REQUIRE_APPROVAL
// и коммитится в момент апрува.
type EvalResult struct {
	Outcome      domain.DecisionOutcome
	ReasonCodes  []string
	Plan         domain.ReservationPlan
	ProposedPlan domain.ReservationPlan
	Mode         domain.EnforcementMode
}

// Evaluate применяет каскад правил политики к запросу.
func Evaluate(in EvalInput) EvalResult {
	mode := in.Policy.EffectiveMode(in.Source, in.Request.Environment)
	monthly := in.Request.EstimatedMonthlyDeltaUSD

	// 1. Shadow: только наблюдение, без резервации.
	if mode == domain.ModeShadow {
		return EvalResult{
			Outcome:     domain.DecisionAllow,
			ReasonCodes: []string{domain.ReasonShadowMode},
			Mode:        mode,
		}
	}

	// 2. Жесткий потолок. Кредиты его не перекрывают никогда.
	if monthly > in.Policy.HardDenyAboveMonthlyUSD {
		return EvalResult{
			Outcome:     domain.DecisionDeny,
			ReasonCodes: []string{domain.ReasonHardCapExceeded},
			Mode:        mode,
		}
	}

	// 3. Auto-approve: ниже порога и в пределах остатка бюджета.
	if monthly <= in.Policy.AutoApproveBelowMonthlyUSD && monthly <= in.BudgetRemainingUSD {
		return EvalResult{
			Outcome:     domain.DecisionAllow,
			ReasonCodes: []string{domain.ReasonAutoApprove, domain.ReasonWithinBudget},
			Plan:        domain.ReservationPlan{AllocationUSD: monthly},
			Mode:        mode,
		}
	}

	// 4. Кредитное покрытие: дефицит сверх остатка бюджета закрывается
	// грантами (oldest-expiring-first). Кредиты покрывают именно перерасход:
	// при достаточном бюджете shortfall нулевой и эта ветка не применяется —
	// запрос выше auto-approve порога уходит на апрув, а не в кредиты.
	shortfall := monthly - in.BudgetRemainingUSD
	if shortfall > 0 {
		if draws, ok := domain.PlanCreditDraws(in.Credits, shortfall, in.Now); ok {
			return EvalResult{
				Outcome:     domain.DecisionAllowWithCredits,
				ReasonCodes: []string{domain.ReasonBudgetExceeded, domain.ReasonCreditCovered},
				Plan: domain.ReservationPlan{
					AllocationUSD: in.BudgetRemainingUSD,
					CreditDraws:   draws,
				},
				Mode: mode,
			}
		}
	}

	// 5. Ручное подтверждение: политика требует апрува для окружения,
	// либо режим hard при превышенных порогах.
	if in.Policy.RequiresApproval(in.Request.Environment) || mode == domain.ModeHard {
		return EvalResult{
			Outcome:      domain.DecisionRequireApproval,
			ReasonCodes:  []string{domain.ReasonApprovalRequired, domain.ReasonBudgetExceeded},
			ProposedPlan: proposeReservation(in),
			Mode:         mode,
		}
	}

	// 6. Soft-режим без требования апрува: пропускаем с пометкой о bypass.
	// Резервация не делается — visibility without blocking.
	return EvalResult{
		Outcome:     domain.DecisionAllow,
		ReasonCodes: []string{domain.ReasonSoftModeBypass},
		Mode:        mode,
	}
}

// proposeReservation считает план для коммита при апруве: бюджет до остатка,
// дефицит — из доступных кредитов. Непокрываемый остаток не резервируется:
// апрув — человеческий override, недорезерв фиксируется reconciler'ом.
func proposeReservation(in EvalInput) domain.ReservationPlan {
	monthly := in.Request.EstimatedMonthlyDeltaUSD
	alloc := monthly
	if alloc > in.BudgetRemainingUSD {
		alloc = in.BudgetRemainingUSD
	}
	if alloc < 0 {
		alloc = 0
	}
	plan := domain.ReservationPlan{AllocationUSD: alloc}

	if shortfall := monthly - alloc; shortfall > 0 {
		if draws, ok := domain.PlanCreditDraws(in.Credits, shortfall, in.Now); ok {
			plan.CreditDraws = draws
		} else {
			// Частичное покрытие: берем все, что есть.
			var avail float64
			for _, g := range in.Credits {
				if g.Usable(in.Now) {
					avail += g.RemainingAmountUSD
				}
			}
			if avail > 0 {
				if partial, ok := domain.PlanCreditDraws(in.Credits, avail, in.Now); ok {
					plan.CreditDraws = partial
				}
			}
		}
	}
	return plan
}
