package handlers

import (
	"net/http"
	"strings"

	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/session"

	"github.com/gin-gonic/gin"
)

// CategoryGuide describes one waste category in the request language
type CategoryGuide struct {
	Category      session.Category `json:"category"`
	Name          string           `json:"name"`
	DustbinColor  string           `json:"dustbinColor"`
	Bin           string           `json:"bin"`
	Summary       string           `json:"summary"`
	Examples      []string         `json:"examples"`
	Decomposition string           `json:"decompositionTime"`
	Impact        string           `json:"environmentalImpact"`
	Tip           string           `json:"tip"`
}

// CategoryHandler serves the localized category guide
type CategoryHandler struct {
	translator *middleware.Translator
}

// NewCategoryHandler creates a category handler
func NewCategoryHandler(translator *middleware.Translator) *CategoryHandler {
	return &CategoryHandler{translator: translator}
}

// RegisterRoutes registers the guide route below /api
func (h *CategoryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/categories", h.GetCategories)
}

// BuildGuide returns the guide for all categories in lang
func (h *CategoryHandler) BuildGuide(lang string) []CategoryGuide {
	guide := make([]CategoryGuide, 0, len(session.Categories))
	for _, cat := range session.Categories {
		prefix := "category." + string(cat) + "."
		name := h.translator.T(lang, prefix+"name")
		bin := h.translator.T(lang, prefix+"bin")

		var examples []string
		for _, e := range strings.Split(h.translator.T(lang, prefix+"examples"), ",") {
			if e = strings.TrimSpace(e); e != "" {
				examples = append(examples, e)
			}
		}

		guide = append(guide, CategoryGuide{
			Category:      cat,
			Name:          name,
			DustbinColor:  cat.DustbinColor(),
			Bin:           bin,
			Summary:       h.translator.Localize(lang, "guide.summary", map[string]interface{}{"Name": name, "Bin": bin}),
			Examples:      examples,
			Decomposition: h.translator.T(lang, prefix+"decomposition"),
			Impact:        h.translator.T(lang, prefix+"impact"),
			Tip:           h.translator.T(lang, prefix+"tip"),
		})
	}
	return guide
}

// GetCategories returns the guide in the request language
func (h *CategoryHandler) GetCategories(c *gin.Context) {
	lang := middleware.LanguageFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"language":   lang,
		"languages":  h.translator.Languages(),
		"title":      h.translator.T(lang, "guide.title"),
		"categories": h.BuildGuide(lang),
	})
}
