// Package imggen 图片生成模块
package imggen

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

// PassCard 门禁码卡片内容
type PassCard struct {
	Title     string // 如 "Guest code"
	Code      string
	Label     string
	Slot      int
	ExpiresAt time.Time
	Location  *time.Location
	Footer    string
}

const (
	cardWidth  = 640
	cardHeight = 360
)

// 颜色定义
var (
	bgTop      = color.RGBA{24, 48, 40, 255}    // 渐变起始
	bgBottom   = color.RGBA{18, 22, 28, 255}    // 渐变结束
	panelColor = color.NRGBA{255, 255, 255, 18} // 半透明面板
	codeColor  = color.RGBA{250, 250, 250, 255} // 门禁码
	mutedColor = color.RGBA{170, 180, 175, 255} // 次要文字
	accent     = color.RGBA{94, 201, 140, 255}  // 强调色
)

var (
	fontsOnce sync.Once
	fontsErr  error
	regular   *truetype.Font
	bold      *truetype.Font
)

func loadFonts() error {
	fontsOnce.Do(func() {
		if regular, fontsErr = truetype.Parse(goregular.TTF); fontsErr != nil {
			return
		}
		bold, fontsErr = truetype.Parse(gobold.TTF)
	})
	return fontsErr
}

func face(f *truetype.Font, size float64) font.Face {
	return truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// RenderPassCard 生成门禁码卡片 PNG
func RenderPassCard(card PassCard) ([]byte, error) {
	if card.Code == "" {
		return nil, fmt.Errorf("门禁码为空")
	}
	if err := loadFonts(); err != nil {
		return nil, fmt.Errorf("加载字体失败: %w", err)
	}
	loc := card.Location
	if loc == nil {
		loc = time.UTC
	}

	dc := gg.NewContext(cardWidth, cardHeight)
	drawGradient(dc)

	// 面板
	dc.SetColor(panelColor)
	dc.DrawRoundedRectangle(24, 24, cardWidth-48, cardHeight-48, 18)
	dc.Fill()

	dc.SetColor(accent)
	dc.DrawRoundedRectangle(24, 24, 8, cardHeight-48, 4)
	dc.Fill()

	title := card.Title
	if title == "" {
		title = "Door code"
	}
	dc.SetFontFace(face(bold, 26))
	dc.SetColor(accent)
	dc.DrawString(title, 56, 72)

	if card.Label != "" {
		dc.SetFontFace(face(regular, 20))
		dc.SetColor(mutedColor)
		dc.DrawStringAnchored(card.Label, cardWidth-56, 72, 1, 0)
	}

	// 门禁码，字符间加空格便于辨认
	dc.SetFontFace(face(bold, 84))
	dc.SetColor(codeColor)
	dc.DrawStringAnchored(spaced(card.Code), cardWidth/2, cardHeight/2+8, 0.5, 0.5)

	dc.SetFontFace(face(regular, 20))
	dc.SetColor(mutedColor)
	if !card.ExpiresAt.IsZero() {
		dc.DrawString("Valid until "+card.ExpiresAt.In(loc).Format("Mon, Jan 2 3:04 PM"), 56, cardHeight-88)
	}
	if card.Slot > 0 {
		dc.DrawStringAnchored(fmt.Sprintf("slot %d", card.Slot), cardWidth-56, cardHeight-88, 1, 0)
	}
	if card.Footer != "" {
		dc.SetFontFace(face(regular, 16))
		dc.DrawString(card.Footer, 56, cardHeight-56)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("编码 PNG 失败: %w", err)
	}
	return buf.Bytes(), nil
}

// drawGradient 纵向渐变背景
func drawGradient(dc *gg.Context) {
	grad := gg.NewLinearGradient(0, 0, 0, cardHeight)
	grad.AddColorStop(0, bgTop)
	grad.AddColorStop(1, bgBottom)
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, cardWidth, cardHeight)
	dc.Fill()
}

func spaced(code string) string {
	out := make([]rune, 0, len(code)*2)
	for i, r := range code {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, r)
	}
	return string(out)
}
