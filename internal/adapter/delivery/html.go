package delivery

import (
	"html/template"
	"strings"

	"meadow-notify/internal/domain"
)

// summaryTmpl is the fixed message structure. Optional fields are substituted
// with a literal "N/A" before rendering so the template never emits empty
// holes.
var summaryTmpl = template.Must(template.New("summary").Parse(`
        <h2>Movie Summary: {{.Title}}</h2>
        <p><strong>Year:</strong> {{.Year}}</p>
        <p><strong>Director:</strong> {{.Director}}</p>
        <p><strong>Plot:</strong> {{.Plot}}</p>
        <p><strong>Rating:</strong> {{.Rating}}/10</p>
        <p><strong>Genre:</strong> {{.Genre}}</p>
`))

// RenderSummary produces the HTML body for a movie summary email.
func RenderSummary(movie domain.MovieRecord) string {
	var b strings.Builder
	// The only template inputs are plain strings; Execute cannot fail here.
	_ = summaryTmpl.Execute(&b, domain.MovieRecord{
		Title:    movie.Title,
		Year:     orNA(movie.Year),
		Director: orNA(movie.Director),
		Plot:     movie.Plot,
		Rating:   orNA(movie.Rating),
		Genre:    orNA(movie.Genre),
	})
	return b.String()
}

// SummarySubject derives the email subject from the movie title.
func SummarySubject(movie domain.MovieRecord) string {
	return "Movie Summary: " + movie.Title
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
