package rules

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// cprWeights are the modulus 11 weights of the ten CPR digits.
var cprWeights = [10]int{4, 3, 2, 7, 6, 5, 4, 3, 2, 1}

// cprExceptionYears are the years whose 1 January births were issued CPR
// numbers that fail the modulus 11 check.
var cprExceptionYears = []int{
	1960, 1964, 1965, 1966, 1969, 1970, 1974, 1980, 1982, 1984,
	1985, 1986, 1987, 1988, 1989, 1990, 1991, 1992,
}

func isCPRExceptionDate(d time.Time) bool {
	return d.Month() == time.January && d.Day() == 1 && slices.Contains(cprExceptionYears, d.Year())
}

// modulus11 reports whether the ten digits of cpr have a weighted sum
// divisible by 11.
func modulus11(cpr string) bool {
	if len(cpr) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		c := cpr[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * cprWeights[i]
	}
	return sum%11 == 0
}

// cprBirthDate derives the birth date encoded in a ten digit CPR number. The
// century follows from the seventh digit and the two digit year.
func cprBirthDate(cpr string) (time.Time, error) {
	if len(cpr) != 10 {
		return time.Time{}, fmt.Errorf("CPR %q has %d digits", cpr, len(cpr))
	}
	day, err := strconv.Atoi(cpr[0:2])
	if err != nil {
		return time.Time{}, err
	}
	month, err := strconv.Atoi(cpr[2:4])
	if err != nil {
		return time.Time{}, err
	}
	yy, err := strconv.Atoi(cpr[4:6])
	if err != nil {
		return time.Time{}, err
	}

	var century int
	switch d7 := cpr[6]; {
	case d7 >= '0' && d7 <= '3':
		century = 1900
	case d7 == '4' || d7 == '9':
		century = 1900
		if yy < 37 {
			century = 2000
		}
	case d7 >= '5' && d7 <= '8':
		century = 1800
		if yy < 58 {
			century = 2000
		}
	default:
		return time.Time{}, fmt.Errorf("CPR %q has a non-digit seventh character", cpr)
	}

	year := century + yy
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Year() != year || int(d.Month()) != month || d.Day() != day {
		return time.Time{}, fmt.Errorf("CPR %q encodes an invalid date", cpr)
	}
	return d, nil
}

// legalSeventhDigits lists the seventh digits in use for people born in year.
func legalSeventhDigits(year int) []byte {
	switch {
	case year >= 1858 && year <= 1899:
		return []byte("5678")
	case year >= 1900 && year <= 1936:
		return []byte("0123")
	case year >= 1937 && year <= 1999:
		return []byte("012349")
	case year >= 2000 && year <= 2036:
		return []byte("456789")
	case year >= 2037 && year <= 2057:
		return []byte("5678")
	}
	return nil
}

// cprProbability estimates how likely a CPR number is to have been issued,
// from its position among the valid serial numbers of its birth date.
type cprProbability struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newCPRProbability() *cprProbability {
	return &cprProbability{cache: lru.New(4096)}
}

var defaultCPRProbability = newCPRProbability()

// serials returns every modulus 11 valid CPR number of birth date d in issue
// order.
func (p *cprProbability) serials(d time.Time) []string {
	key := d.Format("020106") + strconv.Itoa(d.Year()/100)

	p.mu.Lock()
	if v, ok := p.cache.Get(key); ok {
		p.mu.Unlock()
		return v.([]string)
	}
	p.mu.Unlock()

	prefix := d.Format("020106")
	var out []string
	for _, d7 := range legalSeventhDigits(d.Year()) {
		for i := 0; i < 1000; i++ {
			candidate := fmt.Sprintf("%s%c%03d", prefix, d7, i)
			if modulus11(candidate) {
				out = append(out, candidate)
			}
		}
	}

	p.mu.Lock()
	p.cache.Add(key, out)
	p.mu.Unlock()
	return out
}

// Probability returns a value in [0, 1]. Numbers failing the modulus 11 check
// score 0.5 on the exception dates and 0 otherwise.
func (p *cprProbability) Probability(cpr string, birth time.Time) float64 {
	if !modulus11(cpr) {
		if isCPRExceptionDate(birth) {
			return 0.5
		}
		return 0
	}

	idx := slices.Index(p.serials(birth), cpr)
	switch {
	case idx < 0:
		return 0
	case idx <= 100:
		return 1.0
	case idx <= 200:
		return 0.8
	case idx <= 250:
		return 0.6
	case idx <= 350:
		return 0.25
	}
	return 0.1
}
