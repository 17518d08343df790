package harvest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Portal selectors. The portal is a legacy ASP.NET WebForms application:
// stable control IDs, full postbacks on every widget change.
const (
	selCategory   = "#ctl0_CONTENU_PAGE_AdvancedSearch_categorie"
	selPageSize   = "#ctl0_CONTENU_PAGE_resultSearch_listePageSizeTop"
	selSearchBtn  = `input[title="Lancer la recherche"]`
	selResultLink = `a[href*="EntrepriseDetailConsultation"]`
)

// setSelectJS sets a <select> value and fires the change event so the
// WebForms postback machinery notices.
const setSelectJS = `(sel, val) => {
	const e = document.querySelector(sel);
	if (!e) throw new Error('no element matches ' + sel);
	e.value = val;
	e.dispatchEvent(new Event('change', { bubbles: true }));
}`

// collectLocators runs the portal search for the date range and returns the
// deduplicated dossier detail locators, in page order. An empty result list
// is a normal outcome (quiet day), not an error.
func (h *Harvester) collectLocators(ctx context.Context, s *session, rng DateRange, run *Run) ([]string, error) {
	page, err := s.mgr.NewPage()
	if err != nil {
		return nil, err
	}
	defer page.Close()

	pctx, cancel := context.WithTimeout(ctx, h.cfg.PageTimeout)
	defer cancel()
	p := page.Context(pctx)

	if err := p.Navigate(h.cfg.Homepage); err != nil {
		return nil, fmt.Errorf("harvest: open portal: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("harvest: portal load: %w", err)
	}

	// Open the advanced search form for running consultations.
	tab, err := p.ElementR("a", "Consultations en cours")
	if err != nil {
		return nil, fmt.Errorf("harvest: search tab: %w", err)
	}
	if err := tab.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("harvest: search tab click: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("harvest: search form load: %w", err)
	}

	if _, err := p.Eval(setSelectJS, selCategory, h.cfg.Category); err != nil {
		return nil, fmt.Errorf("harvest: category filter: %w", err)
	}

	if err := fillDateWindow(p, "Date de mise en ligne", portalDate(rng.Start), portalDate(rng.End)); err != nil {
		return nil, fmt.Errorf("harvest: publication dates: %w", err)
	}
	// The deadline window must be blank or it shadows the publication filter.
	if err := clearDateWindow(p, "Date limite de remise des plis"); err != nil {
		return nil, fmt.Errorf("harvest: deadline dates: %w", err)
	}

	btn, err := p.Element(selSearchBtn)
	if err != nil {
		return nil, fmt.Errorf("harvest: search button: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("harvest: search submit: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("harvest: results load: %w", err)
	}

	// No results within the window means an empty day, which the portal
	// renders as a page without any detail link.
	if !waitForResults(p, h.cfg.SearchTimeout) {
		run.progress.logf("info", "no dossiers published in the window")
		return nil, nil
	}

	// Widen the page to avoid paginating: 500 covers any single-day volume.
	if _, err := p.Eval(setSelectJS, selPageSize, "500"); err == nil {
		p.WaitLoad()
		waitForResults(p, h.cfg.SearchTimeout)
	}

	res, err := p.Eval(`() => Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`)
	if err != nil {
		return nil, fmt.Errorf("harvest: harvest links: %w", err)
	}

	seen := make(map[string]bool)
	var locators []string
	for _, v := range res.Value.Arr() {
		href := v.Str()
		if !strings.HasPrefix(href, h.cfg.LinkPrefix) || seen[href] {
			continue
		}
		seen[href] = true
		locators = append(locators, href)
	}
	return locators, nil
}

// fillDateWindow locates the two inputs of the labelled date row and types
// the start and end dates into them.
func fillDateWindow(p *rod.Page, label, start, end string) error {
	inputs, err := dateWindowInputs(p, label)
	if err != nil {
		return err
	}
	for i, val := range []string{start, end} {
		if err := inputs[i].SelectAllText(); err != nil {
			return err
		}
		if err := inputs[i].Input(val); err != nil {
			return err
		}
	}
	return nil
}

// clearDateWindow blanks both inputs of the labelled date row.
func clearDateWindow(p *rod.Page, label string) error {
	inputs, err := dateWindowInputs(p, label)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if _, err := in.Eval(`() => { this.value = ''; }`); err != nil {
			return err
		}
	}
	return nil
}

func dateWindowInputs(p *rod.Page, label string) ([]*rod.Element, error) {
	lbl, err := p.ElementR("td, span, label", label)
	if err != nil {
		return nil, fmt.Errorf("label %q: %w", label, err)
	}
	row, err := lbl.Parent()
	if err != nil {
		return nil, err
	}
	inputs, err := row.Elements(`input[type="text"]`)
	if err != nil {
		return nil, err
	}
	if len(inputs) < 2 {
		return nil, fmt.Errorf("label %q: expected 2 date inputs, found %d", label, len(inputs))
	}
	return inputs[:2], nil
}

// waitForResults polls for at least one detail link. False means the page
// settled without any, which is how the portal expresses zero matches.
func waitForResults(p *rod.Page, timeout time.Duration) bool {
	_, err := p.Timeout(timeout).Element(selResultLink)
	return err == nil
}
