package dashboard

import "github.com/gdamore/tcell/v2"

// Theme holds the dashboard colors.
type Theme struct {
	BorderColor tcell.Color
	TitleColor  tcell.Color
	HeaderFg    tcell.Color
	LabelFg     tcell.Color
	ValueFg     tcell.Color
	WarnFg      tcell.Color
	ErrFg       tcell.Color
	StatusBarBg tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BorderColor: tcell.ColorDodgerBlue,
		TitleColor:  tcell.ColorFuchsia,
		HeaderFg:    tcell.ColorWhite,
		LabelFg:     tcell.ColorCadetBlue,
		ValueFg:     tcell.ColorPapayaWhip,
		WarnFg:      tcell.ColorOrange,
		ErrFg:       tcell.ColorOrangeRed,
		StatusBarBg: tcell.ColorNavy,
	}
}
