package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"remove-anything/app/logger"
	"remove-anything/app/model"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
	"resty.dev/v3"
)

const (
	previewMaxWidth = 960 // 预览图最大宽度
	watermarkText   = "remove-anything 预览"
)

// PreviewService 为未登录用户的成功任务生成带水印的预览图。
// 生成失败不影响任务结果，只记录日志。
type PreviewService struct {
	logger *logger.Logger
	dir    string
	client *resty.Client
}

// NewPreviewService 创建预览图服务
func NewPreviewService(dataDir string, log *logger.Logger) *PreviewService {
	dir := filepath.Join(dataDir, "previews")
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Errorf("创建预览图目录失败: %v", err)
	}

	return &PreviewService{
		logger: log,
		dir:    dir,
		client: resty.New(),
	}
}

// Close 释放下载客户端
func (p *PreviewService) Close() error {
	return p.client.Close()
}

// Generate 下载处理结果并生成带水印的预览图，返回预览图的访问路径
func (p *PreviewService) Generate(rec *model.TaskRecord) (string, error) {
	if !rec.Kind.IsImage() {
		return "", fmt.Errorf("任务类型 %s 不支持生成预览图", rec.Kind)
	}
	if rec.OutputURL == "" {
		return "", fmt.Errorf("任务 %d 没有处理结果", rec.ID)
	}

	// 下载处理结果
	resp, err := p.client.R().Get(rec.OutputURL)
	if err != nil {
		return "", fmt.Errorf("下载处理结果失败: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(resp.Bytes()))
	if err != nil {
		return "", fmt.Errorf("解码结果图片失败: %w", err)
	}

	// 缩小到预览尺寸
	if img.Bounds().Dx() > previewMaxWidth {
		img = imaging.Resize(img, previewMaxWidth, 0, imaging.Lanczos)
	}

	// 平铺半透明水印文字
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetRGBA(1, 1, 1, 0.45)
	w := float64(dc.Width())
	h := float64(dc.Height())
	for y := 0.0; y < h; y += 120 {
		for x := 0.0; x < w; x += 240 {
			dc.Push()
			dc.RotateAbout(gg.Radians(-30), x, y)
			dc.DrawStringAnchored(watermarkText, x, y, 0.5, 0.5)
			dc.Pop()
		}
	}

	fileName := rec.TaskCode + ".jpg"
	outPath := filepath.Join(p.dir, fileName)
	if err := imaging.Save(dc.Image(), outPath, imaging.JPEGQuality(82)); err != nil {
		return "", fmt.Errorf("保存预览图失败: %w", err)
	}

	p.logger.Infof("预览图已生成: taskId=%d path=%s", rec.ID, outPath)
	return "/previews/" + fileName, nil
}
