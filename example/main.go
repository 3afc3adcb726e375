package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yonwoo9/go-nvstore"
)

var vendorNS = uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")

func main() {
	dir, err := os.MkdirTemp("", "nvstore-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	const nv = nvstore.FlagPersistent | nvstore.FlagSetupAccess | nvstore.FlagRuntimeAccess

	s, err := nvstore.OpenFile(filepath.Join(dir, "vars.img"),
		nvstore.WithLogger(logger),
		nvstore.Defaults(nvstore.DefaultRecord{Namespace: vendorNS, Name: "Lang", Flags: nv, Data: []byte("eng")}),
	)
	if err != nil {
		panic(err)
	}
	defer s.Close()

	// 存储一个变量
	if err = s.Set("BootOrder", vendorNS, nv, []byte{0x01, 0x00, 0x02, 0x00}); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("存储 BootOrder 成功")

	// 获取变量
	flags, value, err := s.Get("BootOrder", vendorNS)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("获取 BootOrder: flags=%#x val=%x\n", uint32(flags), value)

	// 追加数据
	if err = s.Set("BootOrder", vendorNS, nv|nvstore.FlagAppend, []byte{0x03, 0x00}); err != nil {
		fmt.Println(err)
		return
	}
	_, value, _ = s.Get("BootOrder", vendorNS)
	fmt.Printf("追加后 BootOrder: %x\n", value)

	// 删除变量
	if err = s.Set("Timeout", vendorNS, nv, []byte{5}); err != nil {
		fmt.Println(err)
		return
	}
	if err = s.Set("Timeout", vendorNS, nv, nil); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("删除 Timeout 成功")

	// 遍历变量
	it := s.Iterator()
	for it.Next() {
		name, ns := it.Key()
		_, value, err := it.Value()
		if err != nil {
			fmt.Println(err)
			continue
		}
		fmt.Printf("迭代器 %s:%s, val:%x\n", ns, name, value)
	}
	if err := it.Err(); err != nil {
		fmt.Println(err)
	}

	info, err := s.QueryInfo(nv)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("存储空间: %d/%d, 最大记录: %d\n", info.RemainingStorage, info.MaxStorage, info.MaxRecordSize)
}
