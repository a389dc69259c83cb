package methods

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/mholt/archiver/v3"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// ZipFiles 将文件打包为zip，文件名取 base name
func ZipFiles(files []string, dest string) error {
	if len(files) == 0 {
		return errors.New("nothing to zip")
	}
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return errors.Wrap(err, "create zip directory")
	}
	z := archiver.NewZip()
	z.OverwriteExisting = true
	z.ImplicitTopLevelFolder = false
	if err := z.Archive(files, dest); err != nil {
		return errors.Wrapf(err, "zip %s", filepath.Base(dest))
	}
	return nil
}

// GbkToUtf8 GB18030 兼容 GBK
func GbkToUtf8(s []byte) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader(s), simplifiedchinese.GB18030.NewDecoder())
	d, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Utf8ToGbk 导出shp属性时使用，无法编码的字符原样返回
func Utf8ToGbk(s string) string {
	reader := transform.NewReader(bytes.NewReader([]byte(s)), simplifiedchinese.GBK.NewEncoder())
	d, err := io.ReadAll(reader)
	if err != nil {
		return s
	}
	return string(d)
}
