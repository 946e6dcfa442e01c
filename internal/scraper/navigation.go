package scraper

import (
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/browser"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Navigation selector names.
const (
	NavContainer = "container"
	NavItem      = "item"
	NavItemLink  = "item_link"
	NavPanel     = "panel"
	NavList      = "list"
	NavNode      = "node"
	NavNodeLink  = "node_link"
)

var defaultNavigationSelectors = map[string]string{
	NavContainer: "nav.main-nav",
	NavItem:      "li.main-nav__item",
	NavItemLink:  "a.main-nav__link",
	NavPanel:     ".mega-menu",
	NavList:      "ul.mega-menu__list",
	NavNode:      "li.mega-menu__item",
	NavNodeLink:  "a",
}

// NavigationScraper reads the site's primary navigation and the category
// tree nested inside its panels.
type NavigationScraper struct {
	opts      Options
	selectors SelectorSet
}

// NewNavigationScraper creates a navigation scraper.
func NewNavigationScraper(opts Options) *NavigationScraper {
	opts = opts.withDefaults()
	return &NavigationScraper{
		opts:      opts,
		selectors: newSelectorSet(defaultNavigationSelectors, NavContainer, NavItem).With(opts.Selectors.Navigation),
	}
}

func (s *NavigationScraper) Type() types.TargetType {
	return types.TargetNavigation
}

// Scrape returns navigation items plus every category under them,
// ordered parents first.
func (s *NavigationScraper) Scrape(ctx context.Context, sess browser.Session, target types.Target) (*types.Records, error) {
	doc, err := load(ctx, sess, s.selectors, NavContainer, target, s.opts.WaitTimeout)
	if err != nil {
		return nil, err
	}

	nav, err := s.selectors.Find(doc.Selection, NavContainer, target.String())
	if err != nil {
		return nil, err
	}
	items, err := s.selectors.Find(nav.First(), NavItem, target.String())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &types.Records{Pages: 1}
	seen := make(map[string]bool)

	items.Each(func(_ int, li *goquery.Selection) {
		link := li.Find(s.selectors.Get(NavItemLink)).First()
		title := text(link)
		href := absURL(sess.URL(), attr(link, "href"))
		if title == "" {
			return
		}
		slug := SlugFromURL(href, title)
		if slug == "" || seen["nav:"+slug] {
			return
		}
		seen["nav:"+slug] = true

		before := len(rec.Categories)
		li.Find(s.selectors.Get(NavPanel)).Each(func(_ int, panel *goquery.Selection) {
			s.walk(sess.URL(), topLevelLists(panel, s.selectors.Get(NavList)), slug, slug, now, seen, rec)
		})

		rec.Navigation = append(rec.Navigation, types.NavigationItem{
			Slug:        slug,
			Title:       title,
			SourceURL:   href,
			HasChildren: len(rec.Categories) > before,
			ScrapedAt:   now,
		})
	})

	s.opts.Logger.Debug("Navigation: %d items, %d categories", len(rec.Navigation), len(rec.Categories))
	return rec, nil
}

// walk appends the categories of lists, depth first, each pointing at
// parent. A slug already seen is skipped along with its subtree.
func (s *NavigationScraper) walk(pageURL string, lists *goquery.Selection, navSlug, parent string, now time.Time, seen map[string]bool, rec *types.Records) {
	nodeSel := s.selectors.Get(NavNode)
	linkSel := s.selectors.Get(NavNodeLink)
	listSel := s.selectors.Get(NavList)

	lists.Each(func(_ int, list *goquery.Selection) {
		list.ChildrenFiltered(nodeSel).Each(func(_ int, node *goquery.Selection) {
			link := node.ChildrenFiltered(linkSel).First()
			if link.Length() == 0 {
				link = node.Find(linkSel).First()
			}
			title := text(link)
			href := absURL(pageURL, attr(link, "href"))
			slug := SlugFromURL(href, title)
			if title == "" || slug == "" || seen[slug] || slug == parent {
				return
			}
			seen[slug] = true

			rec.Categories = append(rec.Categories, types.Category{
				Slug:           slug,
				Title:          title,
				NavigationSlug: navSlug,
				ParentSlug:     parent,
				SourceURL:      href,
				ScrapedAt:      now,
			})

			s.walk(pageURL, topLevelLists(node, listSel), navSlug, slug, now, seen, rec)
		})
	})
}

// topLevelLists returns the lists inside scope that are not nested in
// another list inside scope.
func topLevelLists(scope *goquery.Selection, listSel string) *goquery.Selection {
	return scope.Find(listSel).FilterFunction(func(_ int, list *goquery.Selection) bool {
		return list.ParentsUntilSelection(scope).Filter(listSel).Length() == 0
	})
}
