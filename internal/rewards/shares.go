package rewards

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// UnclaimedPolicy decides what happens to pool money no owner can claim: cap overflow and
// rounding remainders.
type UnclaimedPolicy string

const (
	// PolicyRetain leaves unclaimed money with the platform.
	PolicyRetain UnclaimedPolicy = "retain"
	// PolicyRedistribute hands cap overflow to uncapped owners in proportion to their points and
	// spreads rounding cents by largest fractional part.
	PolicyRedistribute UnclaimedPolicy = "redistribute"
)

// ParseUnclaimedPolicy converts a configured policy name; empty selects PolicyRetain.
func ParseUnclaimedPolicy(raw string) (UnclaimedPolicy, error) {
	switch policy := UnclaimedPolicy(strings.ToLower(strings.TrimSpace(raw))); policy {
	case "":
		return PolicyRetain, nil
	case PolicyRetain, PolicyRedistribute:
		return policy, nil
	default:
		return "", fmt.Errorf("%w: unclaimed policy %q", ErrInvalidConfig, raw)
	}
}

// CarPoints is one car's score for a period.
type CarPoints struct {
	OwnerID string
	CarID   string
	Points  int64
}

// ShareConfig parameterizes ComputeShares.
type ShareConfig struct {
	MaxCarsPerOwner int
	// OwnerCapPercent bounds any owner's share of the pool; 100 disables the cap and zero takes the default.
	OwnerCapPercent decimal.Decimal
	Policy          UnclaimedPolicy
}

func (config ShareConfig) withDefaults() ShareConfig {
	if config.MaxCarsPerOwner <= 0 {
		config.MaxCarsPerOwner = 5
	}
	if config.OwnerCapPercent.IsZero() {
		config.OwnerCapPercent = decimal.NewFromInt(15)
	}
	if config.Policy == "" {
		config.Policy = PolicyRetain
	}
	return config
}

// Share is one owner's computed slice of a pool.
type Share struct {
	OwnerID     string
	Points      int64
	Percentage  decimal.Decimal
	AmountCents ledger.AmountCents
	Capped      bool
}

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// ComputeShares splits total among owners by the points of their best cars. The returned amounts
// never sum above total. Owners without points get a zero share.
func ComputeShares(total ledger.AmountCents, cars []CarPoints, config ShareConfig) ([]Share, error) {
	config = config.withDefaults()
	if total < 0 {
		return nil, fmt.Errorf("%w: negative pool total", ErrInvalidConfig)
	}
	if config.OwnerCapPercent.IsNegative() || config.OwnerCapPercent.GreaterThan(hundred) {
		return nil, fmt.Errorf("%w: owner cap %s%%", ErrInvalidConfig, config.OwnerCapPercent)
	}
	if config.Policy != PolicyRetain && config.Policy != PolicyRedistribute {
		return nil, fmt.Errorf("%w: unclaimed policy %q", ErrInvalidConfig, config.Policy)
	}

	shares := ownerPoints(cars, config.MaxCarsPerOwner)
	var totalPoints int64
	for _, share := range shares {
		totalPoints += share.Points
	}
	if totalPoints == 0 || total == 0 {
		for index := range shares {
			shares[index].Percentage = decimal.Zero
		}
		return shares, nil
	}

	ownerCap := config.OwnerCapPercent.Div(hundred)
	var fractions []decimal.Decimal
	if config.Policy == PolicyRedistribute {
		fractions = redistributedFractions(shares, ownerCap)
	} else {
		fractions = retainedFractions(shares, totalPoints, ownerCap)
	}

	totalDecimal := decimal.NewFromInt(total.Int64())
	remainders := make([]decimal.Decimal, len(shares))
	var allocated int64
	for index := range shares {
		exact := totalDecimal.Mul(fractions[index])
		floor := exact.Floor()
		shares[index].AmountCents = ledger.AmountCents(floor.IntPart())
		shares[index].Percentage = fractions[index].Mul(hundred).Round(4)
		shares[index].Capped = fractions[index].Equal(ownerCap) && ownerCap.LessThan(one)
		remainders[index] = exact.Sub(floor)
		allocated += floor.IntPart()
	}
	if config.Policy == PolicyRedistribute {
		distributeRemainder(shares, remainders, total.Int64()-allocated)
	}
	return shares, nil
}

// ownerPoints sums each owner's top maxCars positive car scores, ordered by owner id.
func ownerPoints(cars []CarPoints, maxCars int) []Share {
	byOwner := map[string][]int64{}
	for _, car := range cars {
		owner := strings.TrimSpace(car.OwnerID)
		if owner == "" {
			continue
		}
		if _, ok := byOwner[owner]; !ok {
			byOwner[owner] = nil
		}
		if car.Points > 0 {
			byOwner[owner] = append(byOwner[owner], car.Points)
		}
	}
	shares := make([]Share, 0, len(byOwner))
	for owner, points := range byOwner {
		sort.Slice(points, func(left, right int) bool { return points[left] > points[right] })
		if len(points) > maxCars {
			points = points[:maxCars]
		}
		var sum int64
		for _, value := range points {
			sum += value
		}
		shares = append(shares, Share{OwnerID: owner, Points: sum})
	}
	sort.Slice(shares, func(left, right int) bool { return shares[left].OwnerID < shares[right].OwnerID })
	return shares
}

func retainedFractions(shares []Share, totalPoints int64, ownerCap decimal.Decimal) []decimal.Decimal {
	fractions := make([]decimal.Decimal, len(shares))
	totalDecimal := decimal.NewFromInt(totalPoints)
	for index, share := range shares {
		fraction := decimal.NewFromInt(share.Points).Div(totalDecimal)
		fractions[index] = decimal.Min(fraction, ownerCap)
	}
	return fractions
}

// redistributedFractions caps owners one round at a time and spreads the freed mass over the rest
// until no uncapped owner exceeds the cap. When every owner is capped the leftover stays unclaimed.
func redistributedFractions(shares []Share, ownerCap decimal.Decimal) []decimal.Decimal {
	capped := make([]bool, len(shares))
	cappedCount := 0
	for {
		remainingMass := one.Sub(ownerCap.Mul(decimal.NewFromInt(int64(cappedCount))))
		var uncappedPoints int64
		for index, share := range shares {
			if !capped[index] {
				uncappedPoints += share.Points
			}
		}
		if uncappedPoints == 0 || !remainingMass.IsPositive() {
			break
		}
		changed := false
		for index, share := range shares {
			if capped[index] || share.Points == 0 {
				continue
			}
			fraction := remainingMass.Mul(decimal.NewFromInt(share.Points)).Div(decimal.NewFromInt(uncappedPoints))
			if fraction.GreaterThan(ownerCap) {
				capped[index] = true
				cappedCount++
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	remainingMass := one.Sub(ownerCap.Mul(decimal.NewFromInt(int64(cappedCount))))
	var uncappedPoints int64
	for index, share := range shares {
		if !capped[index] {
			uncappedPoints += share.Points
		}
	}
	fractions := make([]decimal.Decimal, len(shares))
	for index, share := range shares {
		switch {
		case capped[index]:
			fractions[index] = ownerCap
		case uncappedPoints == 0 || share.Points == 0:
			fractions[index] = decimal.Zero
		default:
			fractions[index] = remainingMass.Mul(decimal.NewFromInt(share.Points)).Div(decimal.NewFromInt(uncappedPoints))
		}
	}
	return fractions
}

// distributeRemainder hands leftover cents to uncapped owners by largest fractional part.
func distributeRemainder(shares []Share, remainders []decimal.Decimal, leftover int64) {
	candidates := make([]int, 0, len(shares))
	for index, share := range shares {
		if !share.Capped && share.Points > 0 {
			candidates = append(candidates, index)
		}
	}
	if len(candidates) == 0 || leftover <= 0 {
		return
	}
	sort.SliceStable(candidates, func(left, right int) bool {
		return remainders[candidates[left]].GreaterThan(remainders[candidates[right]])
	})
	for cent := int64(0); cent < leftover; cent++ {
		index := candidates[int(cent)%len(candidates)]
		shares[index].AmountCents++
	}
}
