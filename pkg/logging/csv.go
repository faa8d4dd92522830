// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logging

import (
	"fmt"
	"os"
	"path"
	"reflect"
	"strings"
	"sync"
)

// CSVLogger is used for logging data in CSV format. It does not validate columns or data
type CSVLogger[T any] struct {
	mu sync.Mutex
	f  *os.File
}

// NewCSVLogger creates dir/filename, using the temp dir when dir is empty,
// and writes the field names of T as the header row.
func NewCSVLogger[T any](dir, filename string) (*CSVLogger[T], error) {
	if !strings.HasSuffix(filename, ".csv") {
		filename = filename + ".csv"
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(path.Join(dir, filename))
	if err != nil {
		return nil, err
	}

	columns := make([]string, 0)
	t := reflect.TypeFor[T]()
	for i := range t.NumField() {
		columns = append(columns, t.Field(i).Name)
	}
	_, _ = f.WriteString(fmt.Sprintf("%s\n", strings.Join(columns, ",")))

	return &CSVLogger[T]{
		f: f,
	}, nil
}

func (l *CSVLogger[T]) Name() string {
	return l.f.Name()
}

func (l *CSVLogger[T]) Write(value *T) {
	v := reflect.ValueOf(value).Elem()
	t := v.Type()

	row := make([]string, t.NumField())
	for i := range t.NumField() {
		row[i] = fmt.Sprintf("%v", v.Field(i).Interface())
	}

	l.mu.Lock()
	_, _ = l.f.WriteString(strings.Join(row, ",") + "\n")
	l.mu.Unlock()
}

func (l *CSVLogger[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
