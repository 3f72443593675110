package main

import (
	"context"
	"fmt"
	"time"
)

// maxPrimeLimit bounds the sieve so a single request cannot exhaust memory.
const maxPrimeLimit = 50_000_000

type primeCount struct {
	Limit      int       `json:"limit"`
	Count      int       `json:"count"`
	Largest    int       `json:"largest"`
	ComputedAt time.Time `json:"computed_at"`
}

// countPrimes counts the primes up to limit with a sieve of Eratosthenes.
func countPrimes(ctx context.Context, limit int) (primeCount, error) {
	if limit < 0 || limit > maxPrimeLimit {
		return primeCount{}, fmt.Errorf("limit %d out of range [0, %d]", limit, maxPrimeLimit)
	}

	res := primeCount{Limit: limit}
	if limit >= 2 {
		composite := make([]bool, limit+1)
		for i := 2; i <= limit; i++ {
			if i%1_000_000 == 0 {
				if err := ctx.Err(); err != nil {
					return primeCount{}, err
				}
			}
			if composite[i] {
				continue
			}
			res.Count++
			res.Largest = i
			for j := i * i; j <= limit; j += i {
				composite[j] = true
			}
		}
	}
	res.ComputedAt = time.Now().UTC()
	return res, nil
}
