// Copyright 2025 The Libra Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package parser turns spec files into typed documents. Decoding is strict:
// unknown fields reject the document so schema drift never passes silently.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/libradev/libra/internal/errdefs"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// Document is one parsed YAML document with its detected kind.
type Document struct {
	Index        int
	Raw          []byte
	APIVersion   v1.Version
	Kind         v1.Kind
	PodDoc       *v1.PodDoc
	ContainerDoc *v1.ContainerDoc
}

// DecodeStrict unmarshals raw into out, rejecting unknown fields.
func DecodeStrict(raw []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty document", errdefs.ErrSpecInvalid)
		}
		return fmt.Errorf("%w: %w", errdefs.ErrSpecInvalid, err)
	}
	return nil
}

// SplitDocuments splits multi-document YAML on the `---` separator, dropping
// empty documents.
func SplitDocuments(r io.Reader) ([][]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	docs := strings.Split(string(data), "\n---")
	result := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		doc = strings.TrimSpace(strings.TrimPrefix(doc, "---"))
		if doc == "" {
			continue
		}
		result = append(result, []byte(doc))
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no documents found in input", errdefs.ErrSpecInvalid)
	}
	return result, nil
}

// DetectHeader extracts apiVersion and kind without strict decoding.
func DetectHeader(raw []byte) (v1.Version, v1.Kind, error) {
	var header struct {
		APIVersion v1.Version `yaml:"apiVersion"`
		Kind       v1.Kind    `yaml:"kind"`
	}
	if err := yaml.Unmarshal(raw, &header); err != nil {
		return "", "", fmt.Errorf("%w: %w", errdefs.ErrSpecInvalid, err)
	}
	return header.APIVersion, header.Kind, nil
}

// ParseDocument parses one document, dispatching on its kind. A headerless
// document is treated as a bare container record.
func ParseDocument(index int, raw []byte) (*Document, error) {
	doc := &Document{Index: index, Raw: raw}

	apiVersion, kind, err := DetectHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("document %d: %w", index, err)
	}
	doc.APIVersion = apiVersion
	doc.Kind = kind

	switch kind {
	case v1.KindPod:
		pod := &v1.PodDoc{}
		if err := DecodeStrict(raw, pod); err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		if err := pod.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		doc.PodDoc = pod
	case v1.KindContainer, "":
		container := &v1.ContainerDoc{}
		if err := DecodeStrict(raw, container); err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		if err := container.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		doc.ContainerDoc = container
	default:
		return nil, fmt.Errorf("document %d: %w: %q", index, errdefs.ErrUnknownKind, kind)
	}
	return doc, nil
}

// ParsePodFile reads and validates a single pod spec file.
func ParsePodFile(path string) (*v1.PodDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		}
		return nil, err
	}
	pod := &v1.PodDoc{}
	if err := DecodeStrict(raw, pod); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := pod.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pod, nil
}

// ParseContainerFile reads and validates a standalone container spec file.
func ParseContainerFile(path string) (*v1.ContainerDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		}
		return nil, err
	}
	container := &v1.ContainerDoc{}
	if err := DecodeStrict(raw, container); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := container.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return container, nil
}

// ParseComposeFile reads and validates a compose application file.
func ParseComposeFile(path string) (*v1.ComposeDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		}
		return nil, err
	}
	compose := &v1.ComposeDoc{}
	if err := DecodeStrict(raw, compose); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := compose.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return compose, nil
}
