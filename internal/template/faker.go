package template

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// fakerLocales are the accepted locale codes. Generation itself draws from
// gofakeit's lexicon; the locale is validated and recorded.
var fakerLocales = map[string]bool{
	"en": true, "de": true, "fr": true, "es": true, "nl": true,
}

// fakerSource derives per-render faker instances. A fixed seed makes every
// (vu, iteration) pair reproducible across runs; without one, wall clock and
// random salt keep renders distinct.
type fakerSource struct {
	locale string
	seed   int64
	seeded bool
	logger logrus.FieldLogger
}

func newFakerSource(cfg plan.FakerConfig, logger logrus.FieldLogger) *fakerSource {
	locale := cfg.Locale
	if locale == "" {
		locale = "en"
	}
	if !fakerLocales[locale] {
		logger.WithField("locale", locale).Warn("unsupported faker locale, using en")
		locale = "en"
	}
	return &fakerSource{
		locale: locale,
		seed:   cfg.Seed.Int64,
		seeded: cfg.Seed.Valid,
		logger: logger,
	}
}

// forRender builds the faker for one render pass. The VU id and iteration
// are folded into the seed so parallel VUs and successive iterations draw
// different data.
func (f *fakerSource) forRender(vuCtx *lib.VUContext) *gofakeit.Faker {
	base := int64(vuCtx.VUID)*100000 ^ vuCtx.Iteration*1000

	var seed int64
	if f.seeded {
		seed = base ^ f.seed
	} else {
		seed = time.Now().UnixNano() ^ base ^ rand.Int63n(1<<16)
	}
	if seed == 0 {
		// gofakeit treats seed 0 as "pick one at random".
		seed = 1
	}
	return gofakeit.New(uint64(seed))
}

// renderFaker substitutes {{faker.<path>}} tokens. Every token of one render
// draws from the same faker instance. Unknown paths keep the token literal.
func (e *Engine) renderFaker(s string, vuCtx *lib.VUContext, st *renderState) string {
	return fakerPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := fakerPattern.FindStringSubmatch(token)[1]

		if st.faker == nil {
			st.faker = e.faker.forRender(vuCtx)
		}
		v, ok := fakerValue(st.faker, path)
		if !ok {
			e.logger.WithField("path", path).Warn("unknown faker path")
			return token
		}
		return v
	})
}

func fakerValue(f *gofakeit.Faker, path string) (string, bool) {
	now := time.Now()

	switch path {
	case "person.firstName":
		return f.FirstName(), true
	case "person.lastName":
		return f.LastName(), true
	case "person.fullName":
		return f.Name(), true
	case "person.sex":
		return f.Gender(), true
	case "internet.email":
		return f.Email(), true
	case "internet.userName":
		return f.Username(), true
	case "internet.password":
		return f.Password(true, true, true, true, false, 16), true
	case "internet.url":
		return f.URL(), true
	case "internet.ipv4":
		return f.IPv4Address(), true
	case "string.uuid":
		return f.UUID(), true
	case "string.alphanumeric":
		return f.Password(true, true, true, false, false, 12), true
	case "string.numeric":
		return f.DigitN(8), true
	case "number.int":
		return strconv.Itoa(f.Number(0, 1000000)), true
	case "number.float":
		return strconv.FormatFloat(f.Float64Range(0, 1000), 'f', 2, 64), true
	case "location.streetAddress":
		return f.Street(), true
	case "location.city":
		return f.City(), true
	case "location.state":
		return f.State(), true
	case "location.country":
		return f.Country(), true
	case "location.zipCode":
		return f.Zip(), true
	case "commerce.productName":
		return f.ProductName(), true
	case "commerce.price":
		return strconv.FormatFloat(f.Price(0.99, 999.99), 'f', 2, 64), true
	case "commerce.productDescription":
		return f.ProductDescription(), true
	case "date.past":
		return f.DateRange(now.AddDate(-1, 0, 0), now).Format(time.RFC3339), true
	case "date.future":
		return f.DateRange(now, now.AddDate(1, 0, 0)).Format(time.RFC3339), true
	case "date.recent":
		return f.DateRange(now.Add(-24*time.Hour), now).Format(time.RFC3339), true
	case "company.name":
		return f.Company(), true
	case "company.catchPhrase":
		return f.Slogan(), true
	case "lorem.word":
		return f.Word(), true
	case "lorem.sentence":
		return f.Sentence(10), true
	case "lorem.paragraph":
		return f.Paragraph(1, 3, 12, " "), true
	case "phone.number":
		return f.PhoneFormatted(), true
	}
	return "", false
}
